package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/coachline/internal/identity"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const redacted = "REDACTED"

// AccessLog returns chi request logging that writes one slog record per
// request. The access_token query parameter never reaches the log.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return chiMiddleware.RequestLogger(&accessLogFormatter{logger: logger})
}

type accessLogFormatter struct {
	logger *slog.Logger
}

func (f *accessLogFormatter) NewLogEntry(r *http.Request) chiMiddleware.LogEntry {
	attrs := []any{
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	}
	if q := RedactQuery(r.URL); q != "" {
		attrs = append(attrs, "query", q)
	}
	return &accessLogEntry{logger: f.logger.With(attrs...)}
}

type accessLogEntry struct {
	logger *slog.Logger
}

func (e *accessLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.logger.Info("Request served", "status", status, "bytes", bytes, "duration", elapsed)
}

func (e *accessLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("Request panicked", "panic", v, "stack", string(stack))
}

// RedactQuery returns the encoded query of u with credential values replaced.
func RedactQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	if q.Has(identity.AccessTokenParam) {
		q.Set(identity.AccessTokenParam, redacted)
	}
	return q.Encode()
}
