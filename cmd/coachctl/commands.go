package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/coachline/internal/coach"
	"github.com/ashureev/coachline/internal/conversation"
	"github.com/ashureev/coachline/internal/domain"
	"github.com/spf13/pflag"
)

const confirmAttempts = 3

func runChat(ctx context.Context, client *coach.Client, args []string, stdout, stderr io.Writer) error {
	var threadID string
	var noContext bool

	flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&threadID, "thread", "", "continue an existing thread")
	flagSet.BoolVar(&noContext, "no-context", false, "do not send plan context with the message")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	message := strings.Join(flagSet.Args(), " ")
	include := !noContext
	req := domain.ChatRequest{Message: message, ThreadID: threadID, IncludeContext: &include}

	var done *coach.Done
	err := client.RunStreamingExchange(ctx, req, coach.SinkFuncs{
		Delta: func(text string) { fmt.Fprint(stdout, text) },
		Error: func(message string) { fmt.Fprintf(stderr, "\ncoach: %s\n", message) },
		Done:  func(d coach.Done) { done = &d },
	})
	fmt.Fprintln(stdout)

	if done != nil {
		printDone(stderr, *done)
	}
	if coach.IsTimeout(err) {
		return fmt.Errorf("the coach took too long to answer; try again")
	}
	return err
}

func printDone(w io.Writer, done coach.Done) {
	if done.ThreadID != "" {
		fmt.Fprintf(w, "thread: %s\n", done.ThreadID)
	}
	if done.TimedOut {
		fmt.Fprintln(w, "answer timed out")
	}
	if done.HistoryThin {
		fmt.Fprintln(w, "note: answered without full history")
	}
	if done.BaselineNeeded {
		fmt.Fprintln(w, "note: the coach needs a fitness baseline")
	}
	if done.RebuildPlanPrompt {
		fmt.Fprintln(w, "note: the coach suggests rebuilding the plan")
	}
	if done.Proposal != nil {
		fmt.Fprintf(w, "proposal: %s (%s)  run: coachctl confirm %s\n",
			done.Proposal.ID, done.Proposal.Status, done.Proposal.ID)
	}
}

func runConfirm(ctx context.Context, client *coach.Client, args []string, stdout, stderr io.Writer) error {
	var key string

	flagSet := pflag.NewFlagSet("confirm", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&key, "key", "", "idempotency key (default: generated)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("confirm takes exactly one proposal id")
	}
	id := flagSet.Arg(0)

	var result *domain.ConfirmResult
	var err error
	if key != "" {
		result, err = client.Confirm(ctx, id, key)
	} else {
		result, err = confirmWithRetry(ctx, client.BeginConfirm(id), stderr)
	}
	if err != nil {
		return err
	}
	return printJSON(stdout, result)
}

// confirmWithRetry retries transient failures under one key, so a retry
// after a lost response replays instead of applying twice.
func confirmWithRetry(ctx context.Context, attempt *coach.ConfirmAttempt, stderr io.Writer) (*domain.ConfirmResult, error) {
	var lastErr error
	for i := 0; i < confirmAttempts; i++ {
		if i > 0 {
			delay := time.Duration(1<<(i-1)) * 500 * time.Millisecond
			fmt.Fprintf(stderr, "confirm failed (%v), retrying in %s with key %s\n", lastErr, delay, attempt.Key())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result, err := attempt.Confirm(ctx)
		if err == nil || !coach.Retryable(err) {
			return result, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func runReject(ctx context.Context, client *coach.Client, args []string, stdout, stderr io.Writer) error {
	var reason string

	flagSet := pflag.NewFlagSet("reject", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&reason, "reason", "", "why the change is declined")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("reject takes exactly one proposal id")
	}

	result, err := client.Reject(ctx, flagSet.Arg(0), reason)
	if err != nil {
		return err
	}
	return printJSON(stdout, result)
}

func runStatus(ctx context.Context, client *coach.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("status takes exactly one proposal id")
	}
	view, err := client.GetProposal(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(stdout, view)
}

// runREPL keeps one conversation open, reading a message per line.
// Lines starting with "/" are commands.
func runREPL(ctx context.Context, client *coach.Client, args []string, stdin io.Reader, stdout io.Writer) error {
	var threadID string

	flagSet := pflag.NewFlagSet("repl", pflag.ContinueOnError)
	flagSet.StringVar(&threadID, "thread", "", "continue an existing thread")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	conv := conversation.New(client, conversation.WithThreadID(threadID))
	fmt.Fprintln(stdout, "Type a message, or /confirm ID, /reject ID [reason], /retry, /quit.")

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := replLine(ctx, conv, line, stdout); err != nil {
			fmt.Fprintf(stdout, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func replLine(ctx context.Context, conv *conversation.Conversation, line string, stdout io.Writer) error {
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/confirm":
		res, err := conv.Confirm(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "proposal %s is %s\n", res.ProposalID, res.Status)
		if res.Receipt != nil {
			for _, c := range res.Receipt.Changes {
				fmt.Fprintf(stdout, "  %s/%s: %s -> %s\n", c.PlanID, c.WorkoutID, describe(c.Before), describe(c.After))
			}
		}
		if res.Error != "" {
			fmt.Fprintf(stdout, "  %s\n", res.Error)
		}
		return nil
	case "/reject":
		id, reason, _ := strings.Cut(rest, " ")
		res, err := conv.Reject(ctx, id, strings.TrimSpace(reason))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "proposal %s is %s\n", res.ProposalID, res.Status)
		return nil
	case "/retry":
		msgs := conv.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].CanRetry() {
				if err := conv.Retry(ctx, msgs[i].ID); err != nil {
					return err
				}
				printLastAnswer(conv, stdout)
				return nil
			}
		}
		return errors.New("nothing to retry")
	}

	err := conv.Send(ctx, line)
	printLastAnswer(conv, stdout)
	if coach.IsTimeout(err) {
		return nil
	}
	return err
}

func printLastAnswer(conv *conversation.Conversation, stdout io.Writer) {
	msgs := conv.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant {
		return
	}
	fmt.Fprintln(stdout, last.Content)
	if last.CanRetry() {
		fmt.Fprintf(stdout, "(timed out, /retry resends %q)\n", last.RetryMessage)
	}
	if last.Proposal != nil {
		fmt.Fprintf(stdout, "[proposal %s: /confirm %s or /reject %s]\n", last.Proposal.Status, last.Proposal.ID, last.Proposal.ID)
	}
}

func describe(s domain.WorkoutSnapshot) string {
	out := fmt.Sprintf("%s %s %.1fkm", s.Date, s.Title, s.DistanceKm)
	if s.Intensity != "" {
		out += " " + s.Intensity
	}
	return out
}
