// coachctl is a command-line client for the coach API: it streams chat
// answers and confirms or rejects the plan changes the coach proposes.
//
//	coachctl chat "I'm tired this week"
//	coachctl confirm <proposal-id>
//	coachctl reject <proposal-id> --reason "not now"
//	coachctl status <proposal-id>
//	coachctl repl
//
// COACH_BASE_URL (default http://localhost:8080/api) and COACH_TOKEN
// configure the connection; flags override them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/coachline/internal/coach"
	"github.com/spf13/pflag"
)

const defaultBaseURL = "http://localhost:8080/api"

type globalOptions struct {
	baseURL     string
	token       string
	webSocket   bool
	sync        bool
	idleTimeout time.Duration
	debug       bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts globalOptions

	flagSet := pflag.NewFlagSet("coachctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.baseURL, "base-url", envOr("COACH_BASE_URL", defaultBaseURL), "API root URL")
	flagSet.StringVar(&opts.token, "token", os.Getenv("COACH_TOKEN"), "bearer token")
	flagSet.BoolVar(&opts.webSocket, "ws", false, "stream over the WebSocket endpoint")
	flagSet.BoolVar(&opts.sync, "sync", false, "use the blocking chat call instead of streaming")
	flagSet.DurationVar(&opts.idleTimeout, "idle-timeout", coach.DefaultIdleTimeout, "longest wait between received chunks")
	flagSet.BoolVar(&opts.debug, "debug", false, "log protocol details to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(stderr, flagSet)
		return nil
	}

	client, err := newClient(opts, stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := flagSet.Arg(0), flagSet.Args()[1:]
	switch command {
	case "chat":
		return runChat(ctx, client, rest, stdout, stderr)
	case "repl":
		return runREPL(ctx, client, rest, stdin, stdout)
	case "confirm":
		return runConfirm(ctx, client, rest, stdout, stderr)
	case "reject":
		return runReject(ctx, client, rest, stdout, stderr)
	case "status":
		return runStatus(ctx, client, rest, stdout)
	default:
		printHelp(stderr, flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
}

func newClient(opts globalOptions, stderr io.Writer) (*coach.Client, error) {
	level := slog.LevelWarn
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	clientOpts := []coach.Option{
		coach.WithToken(opts.token),
		coach.WithIdleTimeout(opts.idleTimeout),
		coach.WithStreaming(!opts.sync),
		coach.WithLogger(logger),
	}
	if opts.webSocket {
		wsURL, err := webSocketURL(opts.baseURL)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, coach.WithWebSocket(wsURL))
	}
	return coach.NewClient(opts.baseURL, clientOpts...)
}

// webSocketURL derives the /ws/coach endpoint from an API root such as
// http://host:8080/api.
func webSocketURL(baseURL string) (string, error) {
	root := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api")
	switch {
	case strings.HasPrefix(root, "https://"):
		return "wss://" + strings.TrimPrefix(root, "https://") + "/ws/coach", nil
	case strings.HasPrefix(root, "http://"):
		return "ws://" + strings.TrimPrefix(root, "http://") + "/ws/coach", nil
	default:
		return "", fmt.Errorf("cannot derive websocket url from %q", baseURL)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: coachctl [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat [--thread ID] [--no-context] MESSAGE   stream one answer")
	fmt.Fprintln(w, "  repl [--thread ID]                          interactive conversation")
	fmt.Fprintln(w, "  confirm ID [--key KEY]                      apply a proposed plan change")
	fmt.Fprintln(w, "  reject ID [--reason TEXT]                   decline a proposed plan change")
	fmt.Fprintln(w, "  status ID                                   show a proposal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flagSet.FlagUsages())
}
