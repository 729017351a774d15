// Package responder defines the coach answer generator the server streams
// from, plus implementations for development and tests.
package responder

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/coachline/internal/domain"
)

// Request is one athlete turn.
type Request struct {
	AthleteID      string
	ThreadID       string
	Message        string
	IncludeContext bool
	// Plan is the athlete's current plan when IncludeContext is set.
	Plan []*domain.Workout
}

// ProposalDraft is a plan edit the responder wants to offer.
type ProposalDraft struct {
	Summary string                `yaml:"summary"`
	Actions []domain.WorkoutPatch `yaml:"actions"`
}

// Chunk is one piece of a generated answer. Text is appended to the answer;
// the remaining fields are sticky once set.
type Chunk struct {
	Text              string
	Proposal          *ProposalDraft
	HistoryThin       bool
	UsedBaseline      bool
	BaselineNeeded    bool
	RebuildPlanPrompt bool
}

// Responder generates an answer incrementally. A yielded error is a soft
// generator fault: the server reports it and ends the turn.
type Responder interface {
	Respond(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

// Func adapts a function to Responder.
type Func func(ctx context.Context, req Request) iter.Seq2[Chunk, error]

// Respond calls f.
func (f Func) Respond(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return f(ctx, req)
}

// typeOut yields text word by word, waiting delay between words.
func typeOut(ctx context.Context, text string, delay time.Duration, yield func(Chunk, error) bool) bool {
	words := strings.SplitAfter(text, " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		if i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return false
		}
		if !yield(Chunk{Text: w}, nil) {
			return false
		}
	}
	return true
}
