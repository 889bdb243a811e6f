package gateway

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/pubsub"
)

func tryRecv(c <-chan pubsub.Event) (pubsub.Event, bool) {
	select {
	case ev := <-c:
		return ev, true
	default:
		return pubsub.Event{}, false
	}
}

// TestBridgeMirrors checks bus traffic lands on the routing key's base
// topic and on the owning tenant's topic.
func TestBridgeMirrors(t *testing.T) {
	events := pubsub.New(16, zerolog.Nop())
	bridge := NewStreamBridge(events, zerolog.Nop())
	ctx := context.Background()

	global := events.Subscribe([]string{"vsm"}, "")
	defer global.Cancel()
	tenant := events.Subscribe([]string{"events:tenant:acme"}, "")
	defer tenant.Cancel()

	env := &envelope.Envelope{
		RoutingKey: "vsm.s1.operation",
		Type:       "vsm.s1.operation",
		Payload:    []byte(`{"kind":"operation","metadata":{"tenant":"acme"}}`),
	}
	require.NoError(t, bridge.Handle(ctx, env))

	ev, ok := tryRecv(global.C)
	require.True(t, ok)
	require.Equal(t, "vsm", ev.Topic)
	require.Equal(t, "vsm.s1.operation", ev.Type)
	require.Equal(t, env.Payload, ev.Data)

	ev, ok = tryRecv(tenant.C)
	require.True(t, ok)
	require.Equal(t, "events:tenant:acme", ev.Topic)

	t.Run("tenant inside analysis result", func(t *testing.T) {
		env := &envelope.Envelope{
			RoutingKey: "vsm.s4.analysis.complete",
			Type:       "vsm.s4.analysis.complete",
			Payload:    []byte(`{"analysis":{"summary":"x"},"episode":{"metadata":{"tenant":"acme"}}}`),
		}
		require.NoError(t, bridge.Handle(ctx, env))

		ev, ok := tryRecv(tenant.C)
		require.True(t, ok)
		require.Equal(t, "vsm.s4.analysis.complete", ev.Type)
	})

	t.Run("no tenant in payload", func(t *testing.T) {
		env := &envelope.Envelope{
			RoutingKey: "vsm.s3.health",
			Type:       "vsm.s3.health",
			Payload:    []byte(`{"system_health":0.9}`),
		}
		require.NoError(t, bridge.Handle(ctx, env))

		_, ok := tryRecv(global.C)
		require.True(t, ok)
		_, ok = tryRecv(tenant.C)
		require.False(t, ok)
	})

	t.Run("payload not json", func(t *testing.T) {
		env := &envelope.Envelope{
			RoutingKey: "vsm.s1.operation",
			Type:       "vsm.s1.operation",
			Payload:    []byte(`{`),
		}
		require.NoError(t, bridge.Handle(ctx, env))

		_, ok := tryRecv(global.C)
		require.True(t, ok)
		_, ok = tryRecv(tenant.C)
		require.False(t, ok)
	})
}

// TestBridgeBaseTopics pins the routing-key reduction, including the
// telemetry keys and the fallback for keys with no segments.
func TestBridgeBaseTopics(t *testing.T) {
	events := pubsub.New(16, zerolog.Nop())
	bridge := NewStreamBridge(events, zerolog.Nop())
	ctx := context.Background()

	telemetry := events.Subscribe([]string{"telemetry"}, "")
	defer telemetry.Cancel()
	logs := events.Subscribe([]string{"log"}, "")
	defer logs.Cancel()
	fallback := events.Subscribe([]string{"events"}, "")
	defer fallback.Cancel()

	require.NoError(t, bridge.Handle(ctx, &envelope.Envelope{
		RoutingKey: "telemetry.emitter.analysis_complete",
		Type:       "telemetry.event",
		Payload:    []byte(`{}`),
	}))
	ev, ok := tryRecv(telemetry.C)
	require.True(t, ok)
	require.Equal(t, "telemetry", ev.Topic)

	require.NoError(t, bridge.Handle(ctx, &envelope.Envelope{
		RoutingKey: "log.error.s4",
		Type:       "log.error",
		Payload:    []byte(`{}`),
	}))
	_, ok = tryRecv(logs.C)
	require.True(t, ok)

	require.NoError(t, bridge.Handle(ctx, &envelope.Envelope{
		RoutingKey: "",
		Type:       "unknown",
		Payload:    []byte(`{}`),
	}))
	_, ok = tryRecv(fallback.C)
	require.True(t, ok)
}
