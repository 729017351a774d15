package responder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"gopkg.in/yaml.v3"
)

// Script is a YAML-described coach used for development and demos.
//
//	typing_delay: 30ms
//	fallback: "Tell me more about your week."
//	plan:
//	  athlete_id: local
//	  plan_id: spring-10k
//	  workouts:
//	    - workout_id: tue
//	      date: "2026-03-03"
//	      title: Intervals
//	      kind: run
//	      distance_km: 10
//	rules:
//	  - keywords: [tired, lighter]
//	    reply: "Let's ease off this week."
//	    proposal:
//	      summary: Reduce Tuesday volume
//	      actions:
//	        - {plan_id: spring-10k, workout_id: tue, distance_km: 6}
type Script struct {
	TypingDelay string `yaml:"typing_delay"`
	Fallback    string `yaml:"fallback"`
	Plan        Plan   `yaml:"plan"`
	Rules       []Rule `yaml:"rules"`

	delay time.Duration
}

// Plan seeds workouts for one athlete.
type Plan struct {
	AthleteID string        `yaml:"athlete_id"`
	PlanID    string        `yaml:"plan_id"`
	Workouts  []PlanWorkout `yaml:"workouts"`
}

// PlanWorkout is one seeded workout.
type PlanWorkout struct {
	WorkoutID              string `yaml:"workout_id"`
	domain.WorkoutSnapshot `yaml:",inline"`
}

// Rule answers messages containing any of its keywords.
type Rule struct {
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
	// Stall delays the first word, to exercise processing ceilings.
	Stall             string         `yaml:"stall"`
	Fail              string         `yaml:"fail"`
	Proposal          *ProposalDraft `yaml:"proposal"`
	UsedBaseline      bool           `yaml:"used_baseline"`
	BaselineNeeded    bool           `yaml:"baseline_needed"`
	RebuildPlanPrompt bool           `yaml:"rebuild_plan_prompt"`

	stall time.Duration
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coach script: %w", err)
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("load coach script %s: %w", path, err)
	}
	return s, nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse coach script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	var err error
	if s.TypingDelay != "" {
		if s.delay, err = time.ParseDuration(s.TypingDelay); err != nil {
			return fmt.Errorf("typing_delay: %w", err)
		}
	}
	if s.Fallback == "" {
		return errors.New("fallback reply is required")
	}
	for i := range s.Rules {
		r := &s.Rules[i]
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %d: at least one keyword is required", i)
		}
		if r.Reply == "" && r.Fail == "" {
			return fmt.Errorf("rule %d: reply or fail is required", i)
		}
		if r.Stall != "" {
			if r.stall, err = time.ParseDuration(r.Stall); err != nil {
				return fmt.Errorf("rule %d: stall: %w", i, err)
			}
		}
		if r.Proposal != nil && len(r.Proposal.Actions) == 0 {
			return fmt.Errorf("rule %d: proposal has no actions", i)
		}
	}
	for i, w := range s.Plan.Workouts {
		if w.WorkoutID == "" {
			return fmt.Errorf("plan workout %d: workout_id is required", i)
		}
	}
	return nil
}

// Workouts returns the seeded plan as domain workouts.
func (s *Script) Workouts() []*domain.Workout {
	out := make([]*domain.Workout, 0, len(s.Plan.Workouts))
	for _, w := range s.Plan.Workouts {
		out = append(out, &domain.Workout{
			PlanID:          s.Plan.PlanID,
			WorkoutID:       w.WorkoutID,
			AthleteID:       s.Plan.AthleteID,
			WorkoutSnapshot: w.WorkoutSnapshot,
		})
	}
	return out
}

// match returns the first rule whose keyword occurs in message.
func (s *Script) match(message string) *Rule {
	lower := strings.ToLower(message)
	for i := range s.Rules {
		for _, k := range s.Rules[i].Keywords {
			if strings.Contains(lower, strings.ToLower(k)) {
				return &s.Rules[i]
			}
		}
	}
	return nil
}

// Scripted answers from a Script.
type Scripted struct {
	script *Script
}

var _ Responder = (*Scripted)(nil)

// NewScripted creates a responder for script.
func NewScripted(script *Script) *Scripted {
	return &Scripted{script: script}
}

// Respond streams the matching rule's reply, then its flags and proposal.
func (r *Scripted) Respond(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		rule := r.script.match(req.Message)
		if rule == nil {
			typeOut(ctx, r.script.Fallback, r.script.delay, yield)
			return
		}

		if rule.stall > 0 {
			timer := time.NewTimer(rule.stall)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if rule.Reply != "" && !typeOut(ctx, rule.Reply, r.script.delay, yield) {
			return
		}
		if rule.Fail != "" {
			yield(Chunk{}, errors.New(rule.Fail))
			return
		}

		final := Chunk{
			HistoryThin:       !req.IncludeContext,
			UsedBaseline:      rule.UsedBaseline,
			BaselineNeeded:    rule.BaselineNeeded,
			RebuildPlanPrompt: rule.RebuildPlanPrompt,
		}
		if rule.Proposal != nil {
			draft := *rule.Proposal
			draft.Actions = append([]domain.WorkoutPatch(nil), rule.Proposal.Actions...)
			final.Proposal = &draft
		}
		yield(final, nil)
	}
}
