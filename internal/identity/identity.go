// Package identity resolves the athlete behind a request from its bearer
// credential.
package identity

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// LocalAthleteID is used in development when no tokens are configured.
	LocalAthleteID = "local"

	// AccessTokenParam carries the credential for WebSocket upgrades from
	// browsers, which cannot set an Authorization header.
	AccessTokenParam = "access_token"
)

type contextKey int

const (
	athleteIDKey contextKey = iota
)

var athleteIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// AthleteIDFromContext extracts the athlete ID from the request context.
func AthleteIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(athleteIDKey).(string); ok {
		return v
	}
	return ""
}

// WithAthleteID returns ctx carrying athleteID.
func WithAthleteID(ctx context.Context, athleteID string) context.Context {
	return context.WithValue(ctx, athleteIDKey, athleteID)
}

// Tokens maps bearer tokens to athlete IDs.
type Tokens map[string]string

// ParseTokens parses "token:athlete" pairs separated by commas.
func ParseTokens(s string) (Tokens, error) {
	out := Tokens{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, athlete, ok := strings.Cut(pair, ":")
		token, athlete = strings.TrimSpace(token), strings.TrimSpace(athlete)
		if !ok || token == "" || !athleteIDPattern.MatchString(athlete) {
			return nil, &ParseError{Pair: pair}
		}
		out[token] = athlete
	}
	return out, nil
}

// ParseError reports a malformed token pair. The pair is not echoed since it
// contains a secret.
type ParseError struct {
	Pair string
}

func (e *ParseError) Error() string {
	return "malformed token pair (want token:athlete)"
}

// lookup resolves a token in constant time per entry.
func (t Tokens) lookup(token string) (string, bool) {
	var athlete string
	found := false
	for candidate, id := range t {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			athlete, found = id, true
		}
	}
	return athlete, found
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenParam)
}

// Middleware injects the athlete identity. Requests without a known token
// get 401. With no tokens configured and isDev set, every request is the
// local athlete.
func Middleware(tokens Tokens, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 && isDev {
				next.ServeHTTP(w, r.WithContext(WithAthleteID(r.Context(), LocalAthleteID)))
				return
			}

			athleteID, ok := tokens.lookup(tokenFromRequest(r))
			if !ok {
				slog.Warn("Rejected unauthenticated request", "path", r.URL.Path, "ip", IPFromRequest(r))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="coach"`)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAthleteID(r.Context(), athleteID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
