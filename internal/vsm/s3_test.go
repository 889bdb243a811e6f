package vsm

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/limits"
)

func newTestS3(t *testing.T) (*System3, *breaker.Registry) {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, Logger: zerolog.Nop()})
	t.Cleanup(breakers.Stop)
	limiter := limits.NewLimiter(zerolog.Nop())
	return NewSystem3(limiter, breakers, System3Config{Logger: zerolog.Nop()}), breakers
}

// TestS3HealthReport checks that a health report moves every breaker's
// adaptive threshold and that out-of-range values are clamped rather
// than rejected.
func TestS3HealthReport(t *testing.T) {
	s3, breakers := newTestS3(t)
	b := breakers.Get("downstream")
	base := b.AdaptiveThreshold()

	t.Run("good health raises threshold", func(t *testing.T) {
		// Values beyond [0,1] clamp to full health, zero errors.
		err := s3.HandleHealth(context.Background(), testEnv(t, TypeS3Health, HealthReport{
			SystemHealth: 7,
			ErrorRate:    -3,
		}))
		require.NoError(t, err)
		require.Greater(t, b.AdaptiveThreshold(), base)
	})

	t.Run("bad health lowers threshold", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			err := s3.HandleHealth(context.Background(), testEnv(t, TypeS3Health, HealthReport{
				System:       "s1",
				SystemHealth: 0.1,
				ErrorRate:    0.5,
			}))
			require.NoError(t, err)
		}
		require.Less(t, b.AdaptiveThreshold(), base)
	})

	t.Run("malformed report", func(t *testing.T) {
		err := s3.HandleHealth(context.Background(), testEnv(t, TypeS3Health, []byte("{")))
		require.Error(t, err)
	})
}

// TestS3ResourceExhaustion checks that a resource-exhausted episode
// tightens the breakers using the episode data, with conservative
// defaults when the data carries no sample.
func TestS3ResourceExhaustion(t *testing.T) {
	s3, breakers := newTestS3(t)
	b := breakers.Get("downstream")
	base := b.AdaptiveThreshold()

	ep := NewEpisode(KindResourceExhausted, "connection pool exhausted", "critical", "s2")
	err := s3.HandleEpisode(context.Background(), testEnv(t, TypeS3Episode, ep))
	require.NoError(t, err)
	require.Less(t, b.AdaptiveThreshold(), base)

	t.Run("explicit sample", func(t *testing.T) {
		tight := b.AdaptiveThreshold()
		ep := NewEpisode(KindResourceExhausted, "memory pressure", "critical", "s2")
		ep.Data = map[string]any{"system_health": 0.05, "error_rate": 0.9}
		err := s3.HandleEpisode(context.Background(), testEnv(t, TypeS3Episode, ep))
		require.NoError(t, err)
		require.Less(t, b.AdaptiveThreshold(), tight)
	})
}

// TestS3ObservesOtherKinds checks that alerts and unknown kinds are
// accepted without touching the breakers.
func TestS3ObservesOtherKinds(t *testing.T) {
	s3, breakers := newTestS3(t)
	b := breakers.Get("downstream")
	base := b.AdaptiveThreshold()

	for _, kind := range []string{KindAlert, KindOperation, "custom"} {
		ep := NewEpisode(kind, "observed", "normal", "s2")
		err := s3.HandleEpisode(context.Background(), testEnv(t, TypeS3Episode, ep))
		require.NoError(t, err)
	}
	require.Equal(t, base, b.AdaptiveThreshold())

	t.Run("accessors", func(t *testing.T) {
		require.NotNil(t, s3.Limiter())
		require.NotNil(t, s3.Breakers())
	})
}
