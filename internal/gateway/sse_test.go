package gateway

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestParseTopics pins the pattern grammar and base-name reduction.
func TestParseTopics(t *testing.T) {
	bases, err := parseTopics("vsm.*,policy.decision, vsm.s4")
	require.NoError(t, err)
	require.Equal(t, []string{"policy", "vsm"}, bases)

	bases, err = parseTopics("")
	require.NoError(t, err)
	require.Nil(t, bases)

	for _, bad := range []string{"VSM.*", "vsm", "vsm.", ".star", "vsm.**", "a.b.c", "vsm .x"} {
		_, err := parseTopics(bad)
		require.Error(t, err, bad)
	}
}

// TestSubscriptionTopics checks tenant pinning: everyone rides their own
// tenant topic except the system principal, which may tap global bases.
func TestSubscriptionTopics(t *testing.T) {
	acme := &Identity{Tenant: "acme"}
	require.Equal(t, []string{"events:tenant:acme"}, subscriptionTopics(acme, []string{"vsm"}))
	require.Equal(t, []string{"events:tenant:acme"}, subscriptionTopics(acme, nil))

	system := &Identity{Tenant: "system"}
	require.Equal(t, []string{"vsm", "policy"}, subscriptionTopics(system, []string{"vsm", "policy"}))
	require.Equal(t, []string{"events:tenant:system"}, subscriptionTopics(system, nil))
}

// TestMatchesFilter checks type-base filtering, including the empty
// filter passing everything.
func TestMatchesFilter(t *testing.T) {
	require.True(t, matchesFilter(nil, "vsm.s4.analysis.complete"))
	require.True(t, matchesFilter([]string{"vsm"}, "vsm.s4.analysis.complete"))
	require.True(t, matchesFilter([]string{"policy", "vsm"}, "policy.decision"))
	require.False(t, matchesFilter([]string{"policy"}, "vsm.s1.operation"))
	require.True(t, matchesFilter([]string{"heartbeat"}, "heartbeat"))
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSEFrame consumes lines until a blank separator, skipping comment
// heartbeats along the way.
func readSSEFrame(t *testing.T, br *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	seen := false
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case line == "":
			if seen {
				return f
			}
		case strings.HasPrefix(line, "id: "):
			f.id, seen = strings.TrimPrefix(line, "id: "), true
		case strings.HasPrefix(line, "event: "):
			f.event, seen = strings.TrimPrefix(line, "event: "), true
		case strings.HasPrefix(line, "data: "):
			f.data, seen = strings.TrimPrefix(line, "data: "), true
		}
	}
}

func openSSE(t *testing.T, url string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("sse open: status %d", resp.StatusCode)
	}
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		resp.Body.Close()
		cancel()
	}
}

// TestSSEStream covers the live stream: the connected preamble, frame
// framing, and that the topics filter drops non-matching event types.
func TestSSEStream(t *testing.T) {
	f := newTestGateway(t, "development")
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	br, done := openSSE(t, ts.URL+"/v1/events?topics=vsm.*")
	defer done()

	connected := readSSEFrame(t, br)
	require.Equal(t, "connected", connected.event)
	require.Contains(t, connected.data, `"tenant":"dev"`)
	require.Contains(t, connected.data, "events:tenant:dev")

	// Reading the preamble proves the subscription is live.
	f.events.Publish(tenantTopic("dev"), "policy.decision", []byte(`{"skip":true}`))
	f.events.Publish(tenantTopic("dev"), "vsm.s4.analysis.complete", []byte(`{"ok":true}`))

	frame := readSSEFrame(t, br)
	require.Equal(t, "vsm.s4.analysis.complete", frame.event)
	require.Equal(t, `{"ok":true}`, frame.data)
	require.NotEmpty(t, frame.id)
}

// TestSSEHeartbeat checks the idle comment shows up within the
// configured interval.
func TestSSEHeartbeat(t *testing.T) {
	f := newTestGateway(t, "development")
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	br, done := openSSE(t, ts.URL+"/v1/events")
	defer done()

	readSSEFrame(t, br) // connected

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no heartbeat before deadline")
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": heartbeat ") {
			return
		}
	}
}

// TestSSEResume checks last_event_id replay from retained history.
func TestSSEResume(t *testing.T) {
	f := newTestGateway(t, "development")
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ev1 := f.events.Publish(tenantTopic("dev"), "vsm.s1.operation", []byte(`{"n":1}`))
	ev2 := f.events.Publish(tenantTopic("dev"), "vsm.s1.operation", []byte(`{"n":2}`))

	br, done := openSSE(t, ts.URL+"/v1/events?last_event_id="+ev1.ID)
	defer done()

	readSSEFrame(t, br) // connected

	frame := readSSEFrame(t, br)
	require.Equal(t, ev2.ID, frame.id)
	require.Equal(t, `{"n":2}`, frame.data)
}

// TestSSEBadTopics checks pattern validation rejects before streaming
// starts.
func TestSSEBadTopics(t *testing.T) {
	f := newTestGateway(t, "development")
	rec := doJSON(t, f.handler, http.MethodGet, "/v1/events?topics=NOPE", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_request")
}
