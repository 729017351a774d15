// Package conversation keeps the client-side view of one coaching thread:
// the ordered chat messages, the thread id echoed by the server, and the
// status of every proposal the coach has issued.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/coachline/internal/coach"
	"github.com/ashureev/coachline/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrExchangeInFlight is returned by Send while a previous exchange is open.
	ErrExchangeInFlight = errors.New("conversation: exchange already in flight")

	// ErrNotRetryable is returned by Retry for messages without a retry affordance.
	ErrNotRetryable = errors.New("conversation: message cannot be retried")
)

// Coach is the subset of coach.Client used by a Conversation.
type Coach interface {
	RunStreamingExchange(ctx context.Context, req domain.ChatRequest, sink coach.Sink) error
	Confirm(ctx context.Context, proposalID, key string) (*domain.ConfirmResult, error)
	Reject(ctx context.Context, proposalID, reason string) (*domain.RejectResult, error)
}

// Conversation is safe for concurrent use, but runs one exchange at a time.
type Conversation struct {
	coach          Coach
	includeContext *bool
	newID          func() string
	newKey         func() string
	now            func() time.Time
	logger         *slog.Logger

	mu          sync.Mutex
	threadID    string
	messages    []domain.ChatMessage
	proposals   map[string]domain.ProposalStatus
	confirmKeys map[string]string
	inFlight    bool
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithThreadID resumes an existing server thread.
func WithThreadID(id string) Option {
	return func(c *Conversation) { c.threadID = id }
}

// WithIncludeContext sets include_context on every request.
func WithIncludeContext(include bool) Option {
	return func(c *Conversation) { c.includeContext = &include }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(f func() string) Option {
	return func(c *Conversation) { c.newID = f }
}

// WithKeyGenerator overrides the idempotency key generator.
func WithKeyGenerator(f func() string) Option {
	return func(c *Conversation) { c.newKey = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) { c.logger = l }
}

// New creates an empty conversation backed by cc.
func New(cc Coach, opts ...Option) *Conversation {
	c := &Conversation{
		coach:       cc,
		newID:       uuid.NewString,
		newKey:      uuid.NewString,
		now:         time.Now,
		proposals:   make(map[string]domain.ProposalStatus),
		confirmKeys: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// ThreadID returns the server thread id, empty until the first done event
// carried one.
func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Messages returns a snapshot of the messages in order.
func (c *Conversation) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.ChatMessage, len(c.messages))
	for i := range c.messages {
		out[i] = c.messages[i].Clone()
	}
	return out
}

// ProposalStatus returns the last known status of a proposal.
func (c *Conversation) ProposalStatus(proposalID string) (domain.ProposalStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.proposals[proposalID]
	return s, ok
}

// Send appends the user message and streams the coach's answer into the
// conversation. The assistant message is created by the first delta. A
// timed-out answer is kept, marked TimedOut, and carries text as its retry
// message; the *coach.TimeoutError is returned. Transport failures leave no
// assistant message behind.
func (c *Conversation) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	c.inFlight = true
	c.messages = append(c.messages, domain.ChatMessage{
		ID:        c.newID(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: c.now(),
	})
	req := domain.ChatRequest{Message: text, ThreadID: c.threadID, IncludeContext: c.includeContext}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	t := &turn{conv: c, text: text, assistant: -1}
	err := c.coach.RunStreamingExchange(ctx, req, t)
	if err != nil {
		if coach.IsTimeout(err) {
			c.logger.Warn("Coach answer timed out", "thread_id", c.ThreadID())
			return err
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Retry re-sends the original text of a timed-out message.
func (c *Conversation) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	var text string
	for i := range c.messages {
		if c.messages[i].ID == messageID && c.messages[i].CanRetry() {
			text = c.messages[i].RetryMessage
			break
		}
	}
	c.mu.Unlock()

	if text == "" {
		return fmt.Errorf("retry %s: %w", messageID, ErrNotRetryable)
	}
	return c.Send(ctx, text)
}

// Confirm applies a proposal. The idempotency key is created on the first
// call for the proposal and reused for the conversation's lifetime, so a
// confirm after a terminal result replays it.
func (c *Conversation) Confirm(ctx context.Context, proposalID string) (*domain.ConfirmResult, error) {
	c.mu.Lock()
	key, ok := c.confirmKeys[proposalID]
	if !ok {
		key = c.newKey()
		c.confirmKeys[proposalID] = key
	}
	c.mu.Unlock()

	res, err := c.coach.Confirm(ctx, proposalID, key)
	if err != nil {
		var conflict *coach.ProposalConflict
		if errors.As(err, &conflict) && conflict.Status != "" {
			c.setStatus(proposalID, conflict.Status)
		}
		return nil, err
	}
	c.setStatus(proposalID, res.Status)
	return res, nil
}

// Reject declines a proposal.
func (c *Conversation) Reject(ctx context.Context, proposalID, reason string) (*domain.RejectResult, error) {
	res, err := c.coach.Reject(ctx, proposalID, reason)
	if err != nil {
		var conflict *coach.ProposalConflict
		if errors.As(err, &conflict) && conflict.Status != "" {
			c.setStatus(proposalID, conflict.Status)
		}
		return nil, err
	}
	c.setStatus(proposalID, res.Status)
	return res, nil
}

// setStatus records the live status of a proposal. The proposal attached to
// a message keeps the status it had when its session ended.
func (c *Conversation) setStatus(proposalID string, status domain.ProposalStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals[proposalID] = status
}

// turn applies the events of one exchange to the conversation.
type turn struct {
	conv      *Conversation
	text      string
	assistant int
}

var (
	_ coach.Sink      = (*turn)(nil)
	_ coach.ErrorSink = (*turn)(nil)
)

// assistantLocked returns the assistant message of the turn, creating it.
func (t *turn) assistantLocked() *domain.ChatMessage {
	c := t.conv
	if t.assistant < 0 {
		c.messages = append(c.messages, domain.ChatMessage{
			ID:        c.newID(),
			Role:      domain.RoleAssistant,
			Timestamp: c.now(),
		})
		t.assistant = len(c.messages) - 1
	}
	return &c.messages[t.assistant]
}

func (t *turn) OnDelta(text string) {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	msg := t.assistantLocked()
	msg.Content += text
}

func (t *turn) OnError(message string) {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	msg := t.assistantLocked()
	if msg.Content != "" {
		msg.Content += "\n"
	}
	msg.Content += message
}

func (t *turn) OnDone(done coach.Done) {
	c := t.conv
	c.mu.Lock()
	defer c.mu.Unlock()

	if done.ThreadID != "" {
		c.threadID = done.ThreadID
	}
	if done.Proposal == nil && !done.TimedOut && t.assistant < 0 {
		return
	}
	msg := t.assistantLocked()
	if done.Proposal != nil {
		p := *done.Proposal
		msg.Proposal = &p
		c.proposals[p.ID] = p.Status
	}
	if done.TimedOut {
		msg.TimedOut = true
		msg.RetryMessage = t.text
	}
}
