package responder

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	loremgen "github.com/bozaro/golorem"
)

// Lorem answers every message with lorem ipsum text. It needs no script and
// is the server default.
type Lorem struct {
	sentences int
	delay     time.Duration

	mu        sync.Mutex
	generator *loremgen.Lorem
}

var _ Responder = (*Lorem)(nil)

// NewLorem creates a responder producing the given number of sentences,
// typed with delay between words.
func NewLorem(sentences int, delay time.Duration) *Lorem {
	if sentences <= 0 {
		sentences = 3
	}
	return &Lorem{sentences: sentences, delay: delay, generator: loremgen.New()}
}

func (l *Lorem) text() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	parts := make([]string, 0, l.sentences)
	for i := 0; i < l.sentences; i++ {
		parts = append(parts, l.generator.Sentence(5, 15))
	}
	return strings.Join(parts, " ")
}

// Respond streams generated text.
func (l *Lorem) Respond(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if !typeOut(ctx, l.text(), l.delay, yield) {
			return
		}
		yield(Chunk{HistoryThin: !req.IncludeContext}, nil)
	}
}
