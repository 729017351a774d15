package stream

import (
	"encoding/json"
	"fmt"
)

// Encode renders ev as a single frame: one data line followed by a blank line.
func Encode(ev Event) ([]byte, error) {
	wire := wireEvent{Type: string(ev.Type)}
	switch ev.Type {
	case EventDelta:
		wire.Delta = &ev.Delta
	case EventError:
		wire.Error = &ev.Message
	case EventDone:
		if ev.Done != nil {
			wire.Done = *ev.Done
		}
	default:
		return nil, fmt.Errorf("encode event: unknown type %q", ev.Type)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Comment renders a comment frame. Interpret drops it, so it is safe to use
// as a keepalive.
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}
