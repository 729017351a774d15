package coach

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/stretchr/testify/require"
)

// fakeActions is an in-memory proposal endpoint that applies at most once.
type fakeActions struct {
	mu        sync.Mutex
	proposals map[string]*domain.ProposalRecord
	applies   int
	requests  atomic.Int32
	failNext  int // number of confirms answered with 503 before processing
	failApply bool
}

func newFakeActions(ids ...string) *fakeActions {
	f := &fakeActions{proposals: make(map[string]*domain.ProposalRecord)}
	for _, id := range ids {
		f.proposals[id] = &domain.ProposalRecord{ID: id, Status: domain.ProposalProposed, CreatedAt: time.Now().UTC()}
	}
	return f
}

func (f *fakeActions) writeError(w http.ResponseWriter, code int, body domain.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeActions) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /actions/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.failNext > 0 {
			f.failNext--
			f.writeError(w, http.StatusServiceUnavailable, domain.ErrorBody{Error: "unavailable"})
			return
		}
		var req domain.ConfirmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !domain.ValidIdempotencyKey(req.IdempotencyKey) {
			f.writeError(w, http.StatusBadRequest, domain.ErrorBody{Error: codeInvalidIdempotencyKey})
			return
		}
		rec, ok := f.proposals[r.PathValue("id")]
		if !ok {
			f.writeError(w, http.StatusNotFound, domain.ErrorBody{Error: "not_found"})
			return
		}
		if rec.Status != domain.ProposalProposed {
			if rec.IdempotencyKey == req.IdempotencyKey {
				_ = json.NewEncoder(w).Encode(domain.ConfirmResultFrom(rec))
				return
			}
			f.writeError(w, http.StatusConflict, domain.ErrorBody{
				Error: "proposal_conflict", Detail: "already " + string(rec.Status), Status: rec.Status,
			})
			return
		}

		now := time.Now().UTC()
		rec.IdempotencyKey = req.IdempotencyKey
		rec.ConfirmedAt = &now
		if f.failApply {
			rec.Status = domain.ProposalFailed
			rec.Error = "workout w-9 not found"
		} else {
			f.applies++
			rec.Status = domain.ProposalApplied
			rec.AppliedAt = &now
			rec.Receipt = &domain.ApplyReceipt{ActionsApplied: 3}
		}
		_ = json.NewEncoder(w).Encode(domain.ConfirmResultFrom(rec))
	})

	mux.HandleFunc("POST /actions/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()

		rec, ok := f.proposals[r.PathValue("id")]
		if !ok {
			f.writeError(w, http.StatusNotFound, domain.ErrorBody{Error: "not_found"})
			return
		}
		if rec.Status != domain.ProposalProposed {
			f.writeError(w, http.StatusConflict, domain.ErrorBody{
				Error: "proposal_conflict", Detail: "already " + string(rec.Status), Status: rec.Status,
			})
			return
		}
		now := time.Now().UTC()
		rec.Status = domain.ProposalRejected
		rec.RejectedAt = &now
		_ = json.NewEncoder(w).Encode(domain.RejectResultFrom(rec))
	})

	mux.HandleFunc("GET /actions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()

		rec, ok := f.proposals[r.PathValue("id")]
		if !ok {
			f.writeError(w, http.StatusNotFound, domain.ErrorBody{Error: "not_found"})
			return
		}
		_ = json.NewEncoder(w).Encode(domain.ProposalViewFrom(rec))
	})
}

func newActionsClient(t *testing.T, f *fakeActions, opts ...Option) *Client {
	t.Helper()
	mux := http.NewServeMux()
	f.register(mux)
	client, _ := newCoachServer(t, mux, opts...)
	return client
}

func TestConfirmAppliesOnceAndReplays(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)
	ctx := context.Background()

	first, err := client.Confirm(ctx, "p-1", "key-00000001")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalApplied, first.Status)
	require.NotNil(t, first.Receipt)
	require.Equal(t, 3, first.Receipt.ActionsApplied)
	require.NotNil(t, first.ConfirmedAt)
	require.NotNil(t, first.AppliedAt)

	second, err := client.Confirm(ctx, "p-1", "key-00000001")
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.Receipt, second.Receipt)
	require.Equal(t, 1, f.applies)
}

func TestConfirmDifferentKeyConflicts(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)
	ctx := context.Background()

	_, err := client.Confirm(ctx, "p-1", "key-00000001")
	require.NoError(t, err)

	_, err = client.Confirm(ctx, "p-1", "key-00000002")
	var conflict *ProposalConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "p-1", conflict.ProposalID)
	require.Equal(t, domain.ProposalApplied, conflict.Status)
	require.False(t, Retryable(err))
}

func TestConfirmFailedIsNotAnError(t *testing.T) {
	f := newFakeActions("p-1")
	f.failApply = true
	client := newActionsClient(t, f)

	res, err := client.Confirm(context.Background(), "p-1", "key-00000001")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalFailed, res.Status)
	require.Equal(t, "workout w-9 not found", res.Error)
	require.Nil(t, res.Receipt)
	require.Nil(t, res.AppliedAt)
	require.Equal(t, 0, f.applies)
}

func TestConfirmInvalidKeyNeverSent(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)

	for _, key := range []string{"", "short", "has spaces in it", string(make([]byte, 200))} {
		_, err := client.Confirm(context.Background(), "p-1", key)
		require.ErrorIs(t, err, ErrInvalidIdempotencyKey, "key %q", key)
	}
	require.EqualValues(t, 0, f.requests.Load())
}

func TestConfirmUnknownProposal(t *testing.T) {
	client := newActionsClient(t, newFakeActions())

	_, err := client.Confirm(context.Background(), "missing", "key-00000001")
	require.ErrorIs(t, err, ErrProposalNotFound)

	_, err = client.Reject(context.Background(), "missing", "")
	require.ErrorIs(t, err, ErrProposalNotFound)

	_, err = client.GetProposal(context.Background(), "missing")
	require.ErrorIs(t, err, ErrProposalNotFound)
}

func TestRejectThenConfirmConflicts(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)
	ctx := context.Background()

	res, err := client.Reject(ctx, "p-1", "too much volume")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalRejected, res.Status)
	require.NotNil(t, res.RejectedAt)

	_, err = client.Confirm(ctx, "p-1", "key-00000001")
	require.True(t, IsConflict(err))
	require.Equal(t, 0, f.applies)
}

func TestRejectAfterAppliedConflicts(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)
	ctx := context.Background()

	_, err := client.Confirm(ctx, "p-1", "key-00000001")
	require.NoError(t, err)

	_, err = client.Reject(ctx, "p-1", "changed my mind")
	var conflict *ProposalConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, domain.ProposalApplied, conflict.Status)
	require.Equal(t, "already applied", conflict.Message)
}

func TestGetProposal(t *testing.T) {
	f := newFakeActions("p-1")
	client := newActionsClient(t, f)

	view, err := client.GetProposal(context.Background(), "p-1")
	require.NoError(t, err)
	require.Equal(t, "p-1", view.ProposalID)
	require.Equal(t, domain.ProposalProposed, view.Status)
}

func TestConfirmAttemptReusesKeyAcrossRetries(t *testing.T) {
	f := newFakeActions("p-1")
	f.failNext = 1
	keys := 0
	client := newActionsClient(t, f, WithKeyGenerator(func() string {
		keys++
		return "attempt-key-0001"
	}))
	ctx := context.Background()

	attempt := client.BeginConfirm("p-1")
	require.Equal(t, "attempt-key-0001", attempt.Key())
	require.Equal(t, "p-1", attempt.ProposalID())

	_, err := attempt.Confirm(ctx)
	require.Error(t, err)
	require.True(t, Retryable(err))

	res, err := attempt.Confirm(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.ProposalApplied, res.Status)

	again, err := attempt.Confirm(ctx)
	require.NoError(t, err)
	require.Same(t, res, again)

	require.Equal(t, 1, keys)
	require.Equal(t, 1, f.applies)
	require.EqualValues(t, 2, f.requests.Load())
}

func TestBeginConfirmGeneratesFreshKeys(t *testing.T) {
	client, err := NewClient("http://coach.invalid/api")
	require.NoError(t, err)

	a := client.BeginConfirm("p-1")
	b := client.BeginConfirm("p-1")
	require.NotEqual(t, a.Key(), b.Key())
	require.True(t, domain.ValidIdempotencyKey(a.Key()))
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(ErrProposalNotFound))
	require.False(t, Retryable(context.Canceled))
	require.True(t, Retryable(&TransportError{StatusCode: http.StatusBadGateway}))
	require.False(t, Retryable(&TransportError{StatusCode: http.StatusBadRequest}))
}
