package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/coder/websocket"
)

// WebSocketTransport streams the answer over a WebSocket. Each server
// message carries one or more event-stream frames, so the same decoder
// applies. The blocking exchange is delegated to fallback.
type WebSocketTransport struct {
	url      string
	token    string
	fallback Transport
}

var _ StreamTransport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a transport dialing wsURL (ws:// or wss://).
func NewWebSocketTransport(wsURL, token string, fallback Transport) *WebSocketTransport {
	return &WebSocketTransport{url: wsURL, token: token, fallback: fallback}
}

// OpenStream dials the socket, sends the request and returns the message
// stream as a byte stream. Closing it closes the socket.
func (t *WebSocketTransport) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusUpgradeRequired, http.StatusNotImplemented:
				return nil, ErrStreamingUnsupported
			}
			if resp.StatusCode >= 400 {
				// The dialer keeps the start of a rejected handshake's body.
				return nil, readTransportError(resp)
			}
		}
		return nil, fmt.Errorf("dial coach websocket: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("send chat request: %w", err)
	}

	return websocket.NetConn(ctx, conn, websocket.MessageText), nil
}

// Exchange performs the blocking call through the fallback transport.
func (t *WebSocketTransport) Exchange(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if t.fallback == nil {
		return nil, ErrStreamingUnsupported
	}
	return t.fallback.Exchange(ctx, req)
}
