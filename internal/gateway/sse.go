package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// topicPattern is the accepted shape of one topics= entry: a base name
// plus either a wildcard or a single literal segment.
var topicPattern = regexp.MustCompile(`^[a-z0-9_]+\.(\*|[a-z0-9_]+)$`)

// tenantTopic is the pub-sub topic carrying one tenant's events.
func tenantTopic(tenant string) string {
	return "events:tenant:" + tenant
}

// parseTopics validates the comma-separated patterns and reduces each to
// its base name. Duplicate bases collapse.
func parseTopics(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	seen := map[string]bool{}
	var bases []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if !topicPattern.MatchString(p) {
			return nil, fmt.Errorf("invalid topic pattern %q", p)
		}
		base := p[:strings.IndexByte(p, '.')]
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)
	return bases, nil
}

// typeBase is the first dotted segment of an event type, the unit the
// topics= filter matches against.
func typeBase(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// subscriptionTopics picks the pub-sub topics for an identity. Tenants
// are pinned to their own topic; the system principal may tap the global
// base topics instead.
func subscriptionTopics(identity *Identity, bases []string) []string {
	if identity.Tenant == "system" && len(bases) > 0 {
		return bases
	}
	return []string{tenantTopic(identity.Tenant)}
}

// matchesFilter reports whether an event passes the requested bases. An
// empty filter passes everything.
func matchesFilter(bases []string, eventType string) bool {
	if len(bases) == 0 {
		return true
	}
	base := typeBase(eventType)
	for _, b := range bases {
		if b == base {
			return true
		}
	}
	return false
}

// handleSSE streams bus events to the client. The subscription resumes
// from last_event_id when history still holds it, emits a heartbeat
// comment after each idle interval, and ends on client disconnect.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())

	bases, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	lastEventID := r.URL.Query().Get("last_event_id")
	if lastEventID == "" {
		lastEventID = r.Header.Get("Last-Event-ID")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	topics := subscriptionTopics(identity, bases)
	sub := s.events.Subscribe(topics, lastEventID)
	defer sub.Cancel()

	monitoring.SSEConnectionOpened()
	defer monitoring.SSEConnectionClosed()
	s.logger.Debug().
		Str("tenant", identity.Tenant).
		Strs("topics", topics).
		Msg("SSE subscription opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(map[string]any{
		"tenant":    identity.Tenant,
		"topics":    topics,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTimer(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug().Str("tenant", identity.Tenant).Msg("SSE client disconnected")
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.cfg.SSEHeartbeat)

		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !matchesFilter(bases, ev.Type) {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
			monitoring.IncrementSSEDelivered()

			// Delivery resets the idle clock.
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(s.cfg.SSEHeartbeat)
		}
	}
}
