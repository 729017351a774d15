package responder

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testScript = `
typing_delay: 1ms
fallback: "Tell me more about your week."
plan:
  athlete_id: local
  plan_id: spring-10k
  workouts:
    - workout_id: tue
      date: "2026-03-03"
      title: Intervals
      kind: run
      distance_km: 10
      duration_min: 55
      intensity: hard
    - workout_id: sat
      date: "2026-03-07"
      title: Long run
      kind: run
      distance_km: 18
rules:
  - keywords: [tired, Lighter]
    reply: "Let's ease off this week."
    used_baseline: true
    proposal:
      summary: Reduce Tuesday volume
      actions:
        - plan_id: spring-10k
          workout_id: tue
          distance_km: 6
          intensity: easy
  - keywords: [crash]
    reply: "Checking your calendar"
    fail: "calendar service unavailable"
  - keywords: [slow]
    stall: 1h
    reply: "never"
`

func collect(t *testing.T, r Responder, req Request) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for c, err := range r.Respond(context.Background(), req) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func joined(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestParseScriptSeedsPlan(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)

	workouts := s.Workouts()
	require.Len(t, workouts, 2)
	require.Equal(t, "spring-10k", workouts[0].PlanID)
	require.Equal(t, "tue", workouts[0].WorkoutID)
	require.Equal(t, "local", workouts[0].AthleteID)
	require.Equal(t, "Intervals", workouts[0].Title)
	require.Equal(t, 10.0, workouts[0].DistanceKm)
	require.Equal(t, 55, workouts[0].DurationMin)
}

func TestParseScriptRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no fallback":     `rules: []`,
		"bad delay":       "fallback: x\ntyping_delay: soon",
		"rule no keyword": "fallback: x\nrules:\n  - reply: hi",
		"empty proposal":  "fallback: x\nrules:\n  - keywords: [a]\n    reply: hi\n    proposal:\n      summary: s",
		"bad yaml":        "fallback: [",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScript([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0o644))

	s, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, s.Rules, 3)

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestScriptedMatchesRule(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)
	r := NewScripted(s)

	chunks, err := collect(t, r, Request{Message: "I feel TIRED", IncludeContext: true})
	require.NoError(t, err)
	require.Equal(t, "Let's ease off this week.", joined(chunks))
	require.Greater(t, len(chunks), 2)

	last := chunks[len(chunks)-1]
	require.True(t, last.UsedBaseline)
	require.False(t, last.HistoryThin)
	require.NotNil(t, last.Proposal)
	require.Equal(t, "Reduce Tuesday volume", last.Proposal.Summary)
	require.Len(t, last.Proposal.Actions, 1)
	require.Equal(t, 6.0, *last.Proposal.Actions[0].DistanceKm)
	require.Equal(t, "easy", *last.Proposal.Actions[0].Intensity)
	require.Nil(t, last.Proposal.Actions[0].Title)
}

func TestScriptedFallback(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)

	chunks, err := collect(t, NewScripted(s), Request{Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Tell me more about your week.", joined(chunks))
}

func TestScriptedFailYieldsError(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)

	chunks, err := collect(t, NewScripted(s), Request{Message: "crash please"})
	require.EqualError(t, err, "calendar service unavailable")
	require.Equal(t, "Checking your calendar", joined(chunks))
}

func TestScriptedStallHonorsContext(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	var got int
	for range NewScripted(s).Respond(ctx, Request{Message: "slow"}) {
		got++
	}
	require.Zero(t, got)
	require.Less(t, time.Since(start), time.Second)
}

func TestLoremStreamsWords(t *testing.T) {
	chunks, err := collect(t, NewLorem(2, 0), Request{Message: "anything"})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	require.NotEmpty(t, strings.TrimSpace(joined(chunks)))
	require.True(t, chunks[len(chunks)-1].HistoryThin)
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
		return func(yield func(Chunk, error) bool) {
			yield(Chunk{Text: req.Message}, nil)
		}
	})
	chunks, err := collect(t, r, Request{Message: "echo"})
	require.NoError(t, err)
	require.Equal(t, "echo", joined(chunks))
}
