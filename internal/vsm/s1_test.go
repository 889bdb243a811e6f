package vsm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/envelope"
)

// published is one recorded publish call.
type published struct {
	exchange   string
	routingKey string
	body       []byte
	opts       bus.PublishOptions
}

// fakePublisher records publishes; failOn makes calls to one exchange
// fail while others succeed, an empty failOn with err set fails all.
type fakePublisher struct {
	mu     sync.Mutex
	calls  []published
	err    error
	failOn string
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts bus.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && (f.failOn == "" || f.failOn == exchange) {
		return f.err
	}
	f.calls = append(f.calls, published{exchange, routingKey, payload, opts})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.calls...)
}

func (f *fakePublisher) byExchange(exchange string) []published {
	var out []published
	for _, p := range f.all() {
		if p.exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// testEnv wraps a payload in an envelope the way the consumer hands it
// to a handler.
func testEnv(t *testing.T, msgType string, payload any) *envelope.Envelope {
	t.Helper()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return &envelope.Envelope{
		ID:      "env-test",
		Type:    msgType,
		Payload: body,
		Headers: envelope.Headers{CorrelationID: "corr-1", Source: "test"},
	}
}

func newTestS1(pub EventPublisher) *System1 {
	return NewSystem1(pub, System1Config{Logger: zerolog.Nop()})
}

// TestS1ForwardsSignificantEpisode checks that a significant operation is
// escalated to S2 on the events exchange with the correlation id intact.
func TestS1ForwardsSignificantEpisode(t *testing.T) {
	pub := &fakePublisher{}
	s1 := newTestS1(pub)

	ep := NewEpisode(KindOperation, "failover initiated", "critical", "")
	err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, ep))
	require.NoError(t, err)

	calls := pub.all()
	require.Len(t, calls, 1)
	require.Equal(t, bus.ExchangeEvents, calls[0].exchange)
	require.Equal(t, "vsm.s2.triage", calls[0].routingKey)
	require.Equal(t, TypeS2Episode, calls[0].opts.Type)
	require.Equal(t, "s1", calls[0].opts.Source)
	require.Equal(t, "corr-1", calls[0].opts.CorrelationID)

	forwarded, err := DecodeEpisode(calls[0].body)
	require.NoError(t, err)
	require.Equal(t, ep.ID, forwarded.ID)
	require.Equal(t, "s1", forwarded.SourceSystem)
}

// TestS1AlertDualPublish checks that alerts additionally land on the
// priority exchange with the broker priority derived from the episode.
func TestS1AlertDualPublish(t *testing.T) {
	pub := &fakePublisher{}
	s1 := newTestS1(pub)

	ep := NewEpisode(KindAlert, "cpu saturation", "critical", "monitor")
	err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, ep))
	require.NoError(t, err)

	alerts := pub.byExchange(bus.ExchangePriority)
	require.Len(t, alerts, 1)
	require.Equal(t, "alert", alerts[0].routingKey)
	require.Equal(t, uint8(10), alerts[0].opts.Priority)

	events := pub.byExchange(bus.ExchangeEvents)
	require.Len(t, events, 1)

	forwarded, err := DecodeEpisode(events[0].body)
	require.NoError(t, err)
	require.Equal(t, "monitor", forwarded.SourceSystem)
}

// TestS1DropsInsignificantEpisode checks that routine low-priority work
// never reaches S2.
func TestS1DropsInsignificantEpisode(t *testing.T) {
	pub := &fakePublisher{}
	s1 := newTestS1(pub)

	ep := NewEpisode(KindOperation, "routine check", "low", "")
	err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, ep))
	require.NoError(t, err)
	require.Empty(t, pub.all())
}

// TestS1Errors checks decode failures and publish failures surface as
// errors so the delivery is retried.
func TestS1Errors(t *testing.T) {
	t.Run("bad payload", func(t *testing.T) {
		s1 := newTestS1(&fakePublisher{})
		err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, []byte("{")))
		require.Error(t, err)
	})

	t.Run("alert publish fails", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("broker down"), failOn: bus.ExchangePriority}
		s1 := newTestS1(pub)
		ep := NewEpisode(KindAlert, "cpu saturation", "high", "")
		err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, ep))
		require.ErrorContains(t, err, "publish alert")
		require.Empty(t, pub.byExchange(bus.ExchangeEvents))
	})

	t.Run("forward publish fails", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("broker down"), failOn: bus.ExchangeEvents}
		s1 := newTestS1(pub)
		ep := NewEpisode(KindOperation, "failover initiated", "high", "")
		err := s1.HandleOperation(context.Background(), testEnv(t, TypeS1Operation, ep))
		require.ErrorContains(t, err, "forward to s2")
	})
}
