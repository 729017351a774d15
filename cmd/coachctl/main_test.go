package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/stream"
)

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080/api":      "ws://localhost:8080/ws/coach",
		"https://coach.example.com/api/": "wss://coach.example.com/ws/coach",
		"http://127.0.0.1:9000":          "ws://127.0.0.1:9000/ws/coach",
	}
	for in, want := range tests {
		got, err := webSocketURL(in)
		if err != nil || got != want {
			t.Errorf("webSocketURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := webSocketURL("ftp://host/api"); err == nil {
		t.Error("webSocketURL(ftp) expected error")
	}
}

func TestRunWithoutCommandPrintsHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(nil, strings.NewReader(""), &stdout, &stderr); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(stderr.String(), "Usage: coachctl") {
		t.Fatalf("help not printed: %q", stderr.String())
	}

	err := run([]string{"--base-url", "http://localhost:1/api", "dance"}, strings.NewReader(""), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("run(dance) error = %v", err)
	}
}

func fakeCoach(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/coach/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		var req domain.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []stream.Event{
			stream.DeltaEvent("Echo: "),
			stream.DeltaEvent(req.Message),
			stream.DoneEvent(stream.Done{
				ThreadID: "thread-9",
				Proposal: &domain.Proposal{ID: "p-1", Status: domain.ProposalProposed},
			}),
		} {
			frame, _ := stream.Encode(ev)
			_, _ = w.Write(frame)
		}
	})
	mux.HandleFunc("POST /api/actions/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		var req domain.ConfirmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.ConfirmResult{ProposalID: r.PathValue("id"), Status: domain.ProposalApplied})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChatStreamsAnswer(t *testing.T) {
	srv := fakeCoach(t)
	var stdout, stderr bytes.Buffer

	err := run([]string{"--base-url", srv.URL + "/api", "--token", "tok", "chat", "hello", "coach"},
		strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run(chat) error = %v; stderr = %s", err, stderr.String())
	}
	if got := stdout.String(); got != "Echo: hello coach\n" {
		t.Fatalf("stdout = %q", got)
	}
	if !strings.Contains(stderr.String(), "thread: thread-9") || !strings.Contains(stderr.String(), "coachctl confirm p-1") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestConfirmPrintsResult(t *testing.T) {
	srv := fakeCoach(t)
	var stdout, stderr bytes.Buffer

	err := run([]string{"--base-url", srv.URL + "/api", "--token", "tok", "confirm", "p-1"},
		strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run(confirm) error = %v", err)
	}
	var got domain.ConfirmResult
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode output %q: %v", stdout.String(), err)
	}
	if got.ProposalID != "p-1" || got.Status != domain.ProposalApplied {
		t.Fatalf("result = %+v", got)
	}
}

func TestREPL(t *testing.T) {
	srv := fakeCoach(t)
	var stdout, stderr bytes.Buffer

	input := "hi there\n/confirm p-1\n/retry\n/quit\n"
	err := run([]string{"--base-url", srv.URL + "/api", "--token", "tok", "repl"},
		strings.NewReader(input), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run(repl) error = %v", err)
	}
	out := stdout.String()
	for _, want := range []string{
		"Echo: hi there",
		"[proposal proposed: /confirm p-1 or /reject p-1]",
		"proposal p-1 is applied",
		"error: nothing to retry",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("repl output missing %q:\n%s", want, out)
		}
	}
}
