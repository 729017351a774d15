package stream

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/coachline/internal/domain"
)

// EventType discriminates the payload of an Event.
type EventType string

const (
	// EventDelta carries an incremental piece of the answer.
	EventDelta EventType = "delta"
	// EventDone terminates the exchange and carries turn metadata.
	EventDone EventType = "done"
	// EventError carries a soft failure reported by the server.
	EventError EventType = "error"
)

// Done is the metadata attached to the terminal event of an exchange.
type Done struct {
	TimedOut          bool             `json:"timed_out,omitempty"`
	ThreadID          string           `json:"thread_id,omitempty"`
	HistoryThin       bool             `json:"history_thin,omitempty"`
	UsedBaseline      bool             `json:"used_baseline,omitempty"`
	BaselineNeeded    bool             `json:"baseline_needed,omitempty"`
	RebuildPlanPrompt bool             `json:"rebuild_plan_prompt,omitempty"`
	Proposal          *domain.Proposal `json:"proposal,omitempty"`
}

// Event is one interpreted stream event. Exactly one of Delta, Done or
// Message is meaningful, selected by Type.
type Event struct {
	Type    EventType
	Delta   string
	Done    *Done
	Message string
}

// DeltaEvent builds a delta event.
func DeltaEvent(text string) Event {
	return Event{Type: EventDelta, Delta: text}
}

// DoneEvent builds a terminal event.
func DoneEvent(done Done) Event {
	return Event{Type: EventDone, Done: &done}
}

// ErrorEvent builds a soft-failure event.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// wireEvent is the JSON payload carried by data lines.
type wireEvent struct {
	Type  string  `json:"type"`
	Delta *string `json:"delta,omitempty"`
	Error *string `json:"error,omitempty"`
	Done
}

// Payload extracts the data lines of a record, strips one leading space from
// each, and joins them with newlines. It reports false when the record has
// no data lines (comments, keepalives, id/retry-only records).
func Payload(record string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(record, "\n") {
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		lines = append(lines, strings.TrimPrefix(value, " "))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// Interpret parses one record into an Event. Records that carry no data,
// malformed JSON, an unknown type, or a missing required field are reported
// as not ok and must be dropped by the caller.
func Interpret(record string) (Event, bool) {
	payload, ok := Payload(record)
	if !ok {
		return Event{}, false
	}

	var wire wireEvent
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return Event{}, false
	}

	switch EventType(wire.Type) {
	case EventDelta:
		if wire.Delta == nil {
			return Event{}, false
		}
		return DeltaEvent(*wire.Delta), true
	case EventDone:
		return DoneEvent(wire.Done), true
	case EventError:
		if wire.Error == nil {
			return Event{}, false
		}
		return ErrorEvent(*wire.Error), true
	default:
		return Event{}, false
	}
}
