package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/coachline/internal/domain"
)

const (
	streamPath = "/coach/chat/stream"
	chatPath   = "/coach/chat"

	// maxErrorBodySize bounds how much of an error response is read.
	maxErrorBodySize = 64 << 10
)

// Transport performs the blocking request/response chat exchange.
type Transport interface {
	Exchange(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// StreamTransport is a Transport that can also deliver the answer as an
// incremental event-stream body. OpenStream returns ErrStreamingUnsupported
// when the peer cannot stream; the caller must close the returned body.
type StreamTransport interface {
	Transport
	OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

// HTTPTransport talks to the coach API over plain HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	token   string
}

var _ StreamTransport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for baseURL (for example
// "https://coach.example.com/api"). The token, if set, is sent as a bearer
// credential on every request.
func NewHTTPTransport(baseURL string, client *http.Client, token string) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		token:   token,
	}, nil
}

// OpenStream starts the streaming exchange.
func (t *HTTPTransport) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	httpReq, err := t.newRequest(ctx, streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusNotImplemented:
		drainAndClose(resp.Body)
		return nil, ErrStreamingUnsupported
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drainAndClose(resp.Body)
		return nil, readTransportError(resp)
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.HasPrefix(ct, "text/event-stream") {
		drainAndClose(resp.Body)
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}
	return resp.Body, nil
}

// Exchange performs the blocking chat call.
func (t *HTTPTransport) Exchange(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := t.postJSON(ctx, chatPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)
	return req, nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

// getJSON GETs path and decodes a 2xx body into out.
func (t *HTTPTransport) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	t.authorize(req)
	return t.do(req, path, out)
}

// postJSON POSTs in as JSON to path and decodes a 2xx body into out.
func (t *HTTPTransport) postJSON(ctx context.Context, path string, in, out any) error {
	req, err := t.newRequest(ctx, path, in)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return t.do(req, path, out)
}

func (t *HTTPTransport) do(req *http.Request, path string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readTransportError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// readTransportError builds a TransportError from a non-success response,
// preferring the structured detail, then the error field, then the status line.
func readTransportError(resp *http.Response) error {
	terr := &TransportError{StatusCode: resp.StatusCode, Message: resp.Status}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(raw) == 0 {
		return terr
	}
	var body domain.ErrorBody
	if json.Unmarshal(raw, &body) != nil {
		return terr
	}
	terr.Code = body.Error
	terr.ProposalStatus = body.Status
	switch {
	case body.Detail != "":
		terr.Message = body.Detail
	case body.Error != "":
		terr.Message = body.Error
	}
	return terr
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}

// asTransportError unwraps err into a TransportError.
func asTransportError(err error) (*TransportError, bool) {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr, true
	}
	return nil, false
}
