package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/identity"
	"github.com/ashureev/coachline/internal/stream"
	"github.com/coder/websocket"
)

// wsRequestTimeout bounds the wait for the chat request after the upgrade.
const wsRequestTimeout = 10 * time.Second

// wsEmitter writes each event as one text message holding one frame.
type wsEmitter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (e *wsEmitter) write(frame []byte) error {
	return e.conn.Write(e.ctx, websocket.MessageText, frame)
}

func (e *wsEmitter) event(ev stream.Event) error {
	frame, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	return e.write(frame)
}

func (e *wsEmitter) Delta(text string) error { return e.event(stream.DeltaEvent(text)) }

func (e *wsEmitter) Error(message string) error { return e.event(stream.ErrorEvent(message)) }

func (e *wsEmitter) Keepalive() error { return e.write(stream.Comment("ping")) }

// HandleChatWS handles GET /ws/coach. The client sends one ChatRequest as a
// text message and receives the answer as event-stream frames, ending with
// done, after which the server closes the socket.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())
	log := logger(r).With("athlete_id", athleteID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		log.Error("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.SSE.MaxRequestBodySize)

	readCtx, cancel := context.WithTimeout(r.Context(), wsRequestTimeout)
	typ, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		log.Info("WebSocket closed before chat request", "error", err)
		return
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusUnsupportedData, "expected a JSON text message")
		return
	}

	var req domain.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid chat request")
		return
	}
	if err := h.prepareChat(&req); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, release := h.exchanges.Register(ctx, athleteID, req.ThreadID)
	defer release()

	em := &wsEmitter{ctx: ctx, conn: conn}
	done, err := h.runTurn(ctx, athleteID, req, em)
	if err != nil {
		log.Info("Client left before the answer finished", "thread_id", req.ThreadID, "error", err)
		return
	}
	if err := em.event(stream.DoneEvent(done)); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug("Failed to write done event", "error", err)
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// originPatterns returns the hosts allowed to open the socket from a browser.
func (h *Handler) originPatterns() []string {
	origins := h.cfg.AllowedOrigins()
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := urlHost(o); err == nil {
			patterns = append(patterns, u)
		}
	}
	return patterns
}

func urlHost(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("origin has no host")
	}
	return u.Host, nil
}
