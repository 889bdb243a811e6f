package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyIdentity
)

// RequestID returns the request id injected by the middleware chain.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// IdentityFrom returns the authenticated identity, nil on public routes.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}

// tenantPattern bounds tenant ids to a safe charset. Anything else is
// rejected before it can reach routing keys or pubsub topics.
var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// statusWriter records the status code for the request metric.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// through the metrics wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so WebSocket upgrades keep
// working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	return h.Hijack()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// instrument injects a request id and records the route metric once the
// handler finishes.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next(sw, r.WithContext(ctx))

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		monitoring.RecordRequest(route, strconv.Itoa(sw.status))
	}
}

// admit is the full admission chain: connection guard, authentication,
// tenant isolation, tenant rate limit, edge circuit breaker. The
// identity lands in the context for the wrapped handler.
func (s *Server) admit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.guard.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "connection_rejected", "too many connections from this address")
			return
		}

		identity, err := s.auth.Authenticate(r)
		if err != nil {
			monitoring.RecordRejection("auth")
			s.logger.Debug().Err(err).Str("ip", ip).Msg("Authentication failed")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}

		if !tenantPattern.MatchString(identity.Tenant) {
			monitoring.RecordRejection("tenant")
			writeError(w, http.StatusForbidden, "forbidden", "invalid tenant identifier")
			return
		}
		if claimed := r.Header.Get("x-tenant-id"); claimed != "" && claimed != identity.Tenant {
			monitoring.RecordRejection("tenant")
			s.logger.Warn().
				Str("tenant", identity.Tenant).
				Str("claimed", claimed).
				Str("ip", ip).
				Msg("Tenant header does not match credential")
			writeError(w, http.StatusForbidden, "forbidden", "tenant mismatch")
			return
		}

		if err := s.limiter.Consume(gatewayBudget, identity.Tenant, 1, limits.PriorityNormal); err != nil {
			monitoring.RecordRejection("rate_limit")
			retry := s.limiter.RetryAfter(gatewayBudget, identity.Tenant, 1, limits.PriorityNormal)
			if secs := int(math.Ceil(retry.Seconds())); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request budget exhausted, retry later")
			return
		}

		if s.breakers.Get(edgeBreaker).State() == breaker.StateOpen {
			monitoring.RecordRejection("circuit")
			writeError(w, http.StatusServiceUnavailable, "circuit_open", "service is shedding load, retry later")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next(w, r.WithContext(ctx))
	}
}
