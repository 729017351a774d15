package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/identity"
	"github.com/ashureev/coachline/internal/responder"
	"github.com/ashureev/coachline/internal/stream"
)

const (
	msgProposalUnsaved = "The suggested plan change could not be saved. Please ask again."
	msgSuperseded      = "This answer was replaced by a newer message."
	msgCoachFailed     = "The coach could not finish this answer."
)

// emitter receives the events of one turn as they are produced. A returned
// error means the client is gone and the turn should stop.
type emitter interface {
	Delta(text string) error
	Error(message string) error
	Keepalive() error
}

type chunkResult struct {
	chunk responder.Chunk
	err   error
}

var errEmptyMessage = errors.New("message is required")

// prepareChat validates req in place, defaulting include_context and
// assigning a thread id when the client has none yet.
func (h *Handler) prepareChat(req *domain.ChatRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return errEmptyMessage
	}
	if req.IncludeContext == nil {
		include := true
		req.IncludeContext = &include
	}
	if req.ThreadID == "" {
		req.ThreadID = h.newID()
	}
	return nil
}

// decodeChat reads and prepares a chat request, writing the error response
// itself when it fails.
func (h *Handler) decodeChat(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, bool) {
	var req domain.ChatRequest
	if !h.decodeJSON(w, r, &req) {
		return req, false
	}
	if err := h.prepareChat(&req); err != nil {
		ErrorDetail(w, http.StatusBadRequest, "invalid_request", err.Error())
		return req, false
	}
	return req, true
}

// runTurn generates one answer, forwarding text to em, and returns the
// terminal metadata. It returns an error only when the client went away.
func (h *Handler) runTurn(ctx context.Context, athleteID string, req domain.ChatRequest, em emitter) (stream.Done, error) {
	log := slog.With("athlete_id", athleteID, "thread_id", req.ThreadID)
	done := stream.Done{ThreadID: req.ThreadID}

	rreq := responder.Request{
		AthleteID:      athleteID,
		ThreadID:       req.ThreadID,
		Message:        req.Message,
		IncludeContext: *req.IncludeContext,
	}
	if rreq.IncludeContext {
		plan, err := h.repo.ListWorkouts(ctx, athleteID)
		if err != nil {
			log.Warn("Failed to load plan context", "error", err)
			done.HistoryThin = true
		}
		rreq.Plan = plan
	}

	genCtx, cancel := context.WithTimeout(ctx, h.cfg.Coach.ProcessingCeiling)
	defer cancel()

	results := make(chan chunkResult)
	go func() {
		defer close(results)
		for chunk, err := range h.coach.Respond(genCtx, rreq) {
			select {
			case results <- chunkResult{chunk: chunk, err: err}:
			case <-genCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	var draft *responder.ProposalDraft
	start := time.Now()

loop:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				if genCtx.Err() != nil {
					return interrupted(ctx, done, em, log, time.Since(start))
				}
				break loop
			}
			if res.err != nil {
				log.Warn("Coach responder failed", "error", res.err)
				if err := em.Error(msgCoachFailed); err != nil {
					return done, err
				}
				break loop
			}
			mergeChunk(&done, res.chunk)
			if res.chunk.Proposal != nil {
				draft = res.chunk.Proposal
			}
			if res.chunk.Text != "" {
				if err := em.Delta(res.chunk.Text); err != nil {
					return done, err
				}
			}
		case <-keepalive.C:
			if err := em.Keepalive(); err != nil {
				return done, err
			}
		case <-genCtx.Done():
			return interrupted(ctx, done, em, log, time.Since(start))
		}
	}

	if draft != nil {
		p, err := h.actions.Issue(ctx, athleteID, req.ThreadID, draft.Actions)
		if err != nil {
			log.Error("Failed to issue proposal", "error", err)
			if err := em.Error(msgProposalUnsaved); err != nil {
				return done, err
			}
		} else {
			done.Proposal = p
			log.Info("Proposal issued", "proposal_id", p.ID, "actions", len(draft.Actions))
		}
	}

	log.Info("Coach exchange finished", "elapsed", time.Since(start), "history_thin", done.HistoryThin)
	return done, nil
}

// interrupted ends a turn whose generation stopped early: superseded by a
// newer exchange, abandoned by the client, or cut off by the ceiling.
func interrupted(ctx context.Context, done stream.Done, em emitter, log *slog.Logger, elapsed time.Duration) (stream.Done, error) {
	switch {
	case superseded(ctx):
		log.Info("Coach exchange superseded", "elapsed", elapsed)
		if err := em.Error(msgSuperseded); err != nil {
			return done, err
		}
		return done, nil
	case ctx.Err() != nil:
		return done, ctx.Err()
	}
	log.Warn("Coach exchange hit processing ceiling", "elapsed", elapsed)
	done.TimedOut = true
	return done, nil
}

// mergeChunk folds the sticky flags of c into done.
func mergeChunk(done *stream.Done, c responder.Chunk) {
	done.HistoryThin = done.HistoryThin || c.HistoryThin
	done.UsedBaseline = done.UsedBaseline || c.UsedBaseline
	done.BaselineNeeded = done.BaselineNeeded || c.BaselineNeeded
	done.RebuildPlanPrompt = done.RebuildPlanPrompt || c.RebuildPlanPrompt
}

// sseEmitter writes events as SSE frames, flushing after each one.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) write(frame []byte) error {
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) event(ev stream.Event) error {
	frame, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	return e.write(frame)
}

func (e *sseEmitter) Delta(text string) error { return e.event(stream.DeltaEvent(text)) }

func (e *sseEmitter) Error(message string) error { return e.event(stream.ErrorEvent(message)) }

func (e *sseEmitter) Keepalive() error { return e.write(stream.Comment("ping")) }

func (e *sseEmitter) Done(done stream.Done) error { return e.event(stream.DoneEvent(done)) }

// acceptsEventStream reports whether the Accept header admits SSE.
func acceptsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(mediaType) {
		case "text/event-stream", "text/*", "*/*":
			return true
		}
	}
	return false
}

// HandleChatStream handles POST /api/coach/chat/stream.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())
	log := logger(r)

	if !acceptsEventStream(r) {
		ErrorDetail(w, http.StatusNotAcceptable, "not_acceptable", "this endpoint only produces text/event-stream")
		return
	}

	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrorDetail(w, http.StatusNotImplemented, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, release := h.exchanges.Register(r.Context(), athleteID, req.ThreadID)
	defer release()

	em := &sseEmitter{w: w, flusher: flusher}
	done, err := h.runTurn(ctx, athleteID, req, em)
	if err != nil {
		log.Info("Client left before the answer finished", "thread_id", req.ThreadID, "error", err)
		return
	}
	if err := em.Done(done); err != nil {
		log.Debug("Failed to write done event", "error", err)
	}
}

// collectEmitter buffers a turn for the blocking endpoint.
type collectEmitter struct {
	text   strings.Builder
	errors []string
}

func (e *collectEmitter) Delta(text string) error {
	e.text.WriteString(text)
	return nil
}

func (e *collectEmitter) Error(message string) error {
	e.errors = append(e.errors, message)
	return nil
}

func (e *collectEmitter) Keepalive() error { return nil }

// HandleChat handles POST /api/coach/chat, the blocking variant.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())

	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	ctx, release := h.exchanges.Register(r.Context(), athleteID, req.ThreadID)
	defer release()

	em := &collectEmitter{}
	done, err := h.runTurn(ctx, athleteID, req, em)
	if err != nil {
		logger(r).Info("Client left before the answer finished", "thread_id", req.ThreadID, "error", err)
		return
	}

	JSON(w, http.StatusOK, domain.ChatResponse{
		Response:          em.text.String(),
		ThreadID:          done.ThreadID,
		Proposal:          done.Proposal,
		Error:             strings.Join(em.errors, "\n"),
		TimedOut:          done.TimedOut,
		HistoryThin:       done.HistoryThin,
		UsedBaseline:      done.UsedBaseline,
		BaselineNeeded:    done.BaselineNeeded,
		RebuildPlanPrompt: done.RebuildPlanPrompt,
	})
}

// HandlePlan handles GET /api/plan.
func (h *Handler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())
	workouts, err := h.repo.ListWorkouts(r.Context(), athleteID)
	if err != nil {
		logger(r).Error("Failed to list workouts", "athlete_id", athleteID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load plan")
		return
	}
	if workouts == nil {
		workouts = []*domain.Workout{}
	}
	JSON(w, http.StatusOK, map[string]any{"workouts": workouts})
}
