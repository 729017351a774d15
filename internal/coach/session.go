package coach

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/stream"
)

// StreamEvent is one event of an exchange: Delta, Done or Error.
type StreamEvent = stream.Event

// Done is the metadata of the terminal event.
type Done = stream.Done

// Event types re-exported for callers ranging over Stream.
const (
	EventDelta = stream.EventDelta
	EventDone  = stream.EventDone
	EventError = stream.EventError
)

// Sink receives the side effects of RunStreamingExchange: zero or more
// OnDelta calls followed by exactly one OnDone, unless the exchange was
// cancelled, failed before streaming, or the transport broke mid-stream.
type Sink interface {
	OnDelta(text string)
	OnDone(done Done)
}

// ErrorSink is implemented by sinks that want server soft failures
// separately. Sinks without it receive them through OnDelta.
type ErrorSink interface {
	OnError(message string)
}

// SinkFuncs adapts plain functions to Sink and ErrorSink.
type SinkFuncs struct {
	Delta func(text string)
	Done  func(done Done)
	Error func(message string)
}

func (f SinkFuncs) OnDelta(text string) {
	if f.Delta != nil {
		f.Delta(text)
	}
}

func (f SinkFuncs) OnDone(done Done) {
	if f.Done != nil {
		f.Done(done)
	}
}

func (f SinkFuncs) OnError(message string) {
	if f.Error != nil {
		f.Error(message)
		return
	}
	f.OnDelta(message)
}

// sessionState tracks whether a terminal event may still be dispatched.
type sessionState int

const (
	sessionOpen sessionState = iota
	sessionTerminated
	sessionCancelled
)

func (s sessionState) String() string {
	switch s {
	case sessionOpen:
		return "open"
	case sessionTerminated:
		return "terminated"
	case sessionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// session guards dispatch so that, whichever of the interpreter, the
// watchdog or end-of-stream gets there first, one Done is emitted at most.
type session struct {
	state sessionState
	emit  func(StreamEvent) bool
}

func newSession(emit func(StreamEvent) bool) *session {
	return &session{state: sessionOpen, emit: emit}
}

// dispatch emits ev and reports whether more events are wanted.
func (s *session) dispatch(ev StreamEvent) bool {
	if s.state != sessionOpen {
		return false
	}
	if ev.Type == stream.EventDone {
		s.state = sessionTerminated
		s.emit(ev)
		return false
	}
	if !s.emit(ev) {
		s.state = sessionCancelled
		return false
	}
	return true
}

// terminate emits done unless the session already left the open state.
func (s *session) terminate(done Done) {
	if s.state != sessionOpen {
		return
	}
	s.state = sessionTerminated
	s.emit(stream.DoneEvent(done))
}

func (s *session) cancel() {
	if s.state == sessionOpen {
		s.state = sessionCancelled
	}
}

// RunStreamingExchange sends req and dispatches the answer to sink. It returns
// a *TransportError for non-success statuses, a *TimeoutError when the idle
// watchdog fired, and nil once the terminal event was dispatched. Cancelling
// ctx stops dispatch at the next read boundary and returns nil without a
// trailing OnDone. A ctx deadline stops it the same way but returns an error
// wrapping context.DeadlineExceeded.
func (c *Client) RunStreamingExchange(ctx context.Context, req domain.ChatRequest, sink Sink) error {
	errSink, hasErrSink := sink.(ErrorSink)
	return c.exchange(ctx, req, func(ev StreamEvent) bool {
		switch ev.Type {
		case stream.EventDelta:
			sink.OnDelta(ev.Delta)
		case stream.EventError:
			if hasErrSink {
				errSink.OnError(ev.Message)
			} else {
				sink.OnDelta(ev.Message)
			}
		case stream.EventDone:
			sink.OnDone(*ev.Done)
		}
		return true
	})
}

// Stream is the iterator form of RunStreamingExchange. It yields events in
// arrival order; a non-nil error, if any, is yielded last with a zero event.
// Breaking out of the loop cancels the exchange.
func (c *Client) Stream(ctx context.Context, req domain.ChatRequest) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		stopped := false
		err := c.exchange(ctx, req, func(ev StreamEvent) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(StreamEvent{}, err)
		}
	}
}

func (c *Client) exchange(ctx context.Context, req domain.ChatRequest, emit func(StreamEvent) bool) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	st, ok := c.transport.(StreamTransport)
	if !ok || !c.streaming {
		return c.fallback(ctx, req, emit)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := st.OpenStream(streamCtx, req)
	if errors.Is(err, ErrStreamingUnsupported) {
		c.logger.Info("Streaming unavailable, using blocking exchange")
		return c.fallback(ctx, req, emit)
	}
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return err
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			c.logger.Debug("failed to close event stream", "error", closeErr)
		}
	}()

	sess := newSession(emit)
	reader := stream.NewIdleReader(ctx, body, c.idleTimeout, cancel)

	for record, err := range stream.Records(reader) {
		if err != nil {
			switch {
			case errors.Is(err, stream.ErrIdleTimeout):
				c.logger.Warn("Coach stream idle timeout", "idle_timeout", c.idleTimeout, "state", sess.state.String())
				sess.terminate(Done{TimedOut: true})
				return &TimeoutError{Idle: c.idleTimeout}
			case ctx.Err() != nil:
				sess.cancel()
				return interrupted(ctx)
			default:
				sess.cancel()
				return fmt.Errorf("read event stream: %w", err)
			}
		}
		if ctx.Err() != nil {
			sess.cancel()
			return interrupted(ctx)
		}

		ev, ok := stream.Interpret(record)
		if !ok {
			c.logger.Debug("Dropping unrecognized stream record", "record_len", len(record))
			continue
		}
		if !sess.dispatch(ev) {
			return nil
		}
	}

	if ctx.Err() != nil {
		sess.cancel()
		return interrupted(ctx)
	}
	// The server closed the stream without a done frame.
	sess.terminate(Done{})
	return nil
}

// fallback performs the blocking exchange and replays it as Delta + Done.
// The idle timeout bounds the whole call since there is no read boundary.
func (c *Client) fallback(ctx context.Context, req domain.ChatRequest, emit func(StreamEvent) bool) error {
	callCtx := ctx
	if c.idleTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.idleTimeout)
		defer cancel()
	}

	sess := newSession(emit)
	resp, err := c.transport.Exchange(callCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return interrupted(ctx)
		case errors.Is(err, context.DeadlineExceeded):
			sess.terminate(Done{TimedOut: true})
			return &TimeoutError{Idle: c.idleTimeout}
		default:
			return err
		}
	}

	if resp.Response != "" && !sess.dispatch(stream.DeltaEvent(resp.Response)) {
		return nil
	}
	if resp.Error != "" && !sess.dispatch(stream.ErrorEvent(resp.Error)) {
		return nil
	}
	sess.terminate(Done{
		TimedOut:          resp.TimedOut,
		ThreadID:          resp.ThreadID,
		HistoryThin:       resp.HistoryThin,
		UsedBaseline:      resp.UsedBaseline,
		BaselineNeeded:    resp.BaselineNeeded,
		RebuildPlanPrompt: resp.RebuildPlanPrompt,
		Proposal:          resp.Proposal,
	})
	return nil
}

// interrupted is the result of an exchange whose ctx ended. Cancellation is
// silent; an expired caller deadline is returned wrapped. Neither dispatches
// OnDone.
func interrupted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("coach exchange: %w", ctx.Err())
	}
	return nil
}
