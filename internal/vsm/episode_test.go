package vsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEpisodeCodec covers the round trip plus the decode-side defaults
// and the missing-kind rejection.
func TestEpisodeCodec(t *testing.T) {
	ep := NewEpisode(KindOperation, "disk usage high", "", "s1")
	require.NotEmpty(t, ep.ID)
	require.False(t, ep.CreatedAt.IsZero())
	require.Equal(t, "normal", ep.Priority)

	body, err := ep.Encode()
	require.NoError(t, err)

	back, err := DecodeEpisode(body)
	require.NoError(t, err)
	require.Equal(t, ep.ID, back.ID)
	require.Equal(t, KindOperation, back.Kind)
	require.Equal(t, "disk usage high", back.Title)
	require.Equal(t, "s1", back.SourceSystem)

	t.Run("missing kind", func(t *testing.T) {
		_, err := DecodeEpisode([]byte(`{"id":"x","title":"no kind"}`))
		require.Error(t, err)
	})

	t.Run("priority defaulted", func(t *testing.T) {
		ep, err := DecodeEpisode([]byte(`{"kind":"alert","title":"t"}`))
		require.NoError(t, err)
		require.Equal(t, "normal", ep.Priority)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := DecodeEpisode([]byte(`{`))
		require.Error(t, err)
	})
}

// TestEpisodeTenant checks tenant extraction from metadata with the
// global fallback.
func TestEpisodeTenant(t *testing.T) {
	ep := &Episode{Kind: KindAlert}
	require.Equal(t, "global", ep.Tenant())

	ep.Metadata = map[string]any{"tenant": "acme"}
	require.Equal(t, "acme", ep.Tenant())

	ep.Metadata = map[string]any{"tenant": 42}
	require.Equal(t, "global", ep.Tenant())
}

// TestSignificant checks the escalation rule: significant kinds always
// escalate, other kinds only at high priority or above.
func TestSignificant(t *testing.T) {
	cases := []struct {
		kind     string
		priority string
		want     bool
	}{
		{KindAlert, "low", true},
		{KindPolicyViolation, "normal", true},
		{KindResourceExhausted, "", true},
		{KindOperation, "critical", true},
		{KindOperation, "high", true},
		{KindOperation, "normal", false},
		{KindOperation, "low", false},
		{KindAnalysis, "low", false},
	}
	for _, tc := range cases {
		t.Run(tc.kind+"/"+tc.priority, func(t *testing.T) {
			got := Significant(&Episode{Kind: tc.kind, Priority: tc.priority})
			require.Equal(t, tc.want, got)
		})
	}
}

// TestPriorityMappings checks the fair-share weights and the broker
// priority scale.
func TestPriorityMappings(t *testing.T) {
	require.Equal(t, float64(8), ShareWeight("critical"))
	require.Equal(t, float64(4), ShareWeight("high"))
	require.Equal(t, float64(2), ShareWeight("normal"))
	require.Equal(t, float64(1), ShareWeight("low"))
	require.Equal(t, float64(2), ShareWeight("bogus"))

	require.Equal(t, uint8(10), AMQPPriority("critical"))
	require.Equal(t, uint8(7), AMQPPriority("high"))
	require.Equal(t, uint8(4), AMQPPriority("normal"))
	require.Equal(t, uint8(1), AMQPPriority("low"))
	require.Equal(t, uint8(4), AMQPPriority(""))
}

// TestHeuristicProvider checks keyword extraction, kind-based
// confidence, and context cancellation.
func TestHeuristicProvider(t *testing.T) {
	p := &HeuristicProvider{}
	require.Equal(t, "heuristic", p.Name())

	ep := NewEpisode(KindAlert, "database latency spike on primary", "high", "s1")
	ep.Data = map[string]any{
		"detail": "latency latency replication lag",
		"count":  3,
	}

	analysis, err := p.Analyze(context.Background(), ep)
	require.NoError(t, err)
	require.Equal(t, ep.ID, analysis.EpisodeID)
	require.Equal(t, "heuristic", analysis.Provider)
	require.Equal(t, 0.9, analysis.Confidence)
	require.Contains(t, analysis.Summary, "database latency spike on primary")

	keywords, ok := analysis.Findings["keywords"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, keywords)
	// "latency" appears three times across title and data
	require.Equal(t, "latency", keywords[0])
	require.LessOrEqual(t, len(keywords), 5)

	t.Run("confidence by kind", func(t *testing.T) {
		for kind, want := range map[string]float64{
			KindAlert:             0.9,
			KindPolicyViolation:   0.85,
			KindResourceExhausted: 0.8,
			KindOperation:         0.5,
		} {
			a, err := p.Analyze(context.Background(), &Episode{Kind: kind, Title: "t"})
			require.NoError(t, err)
			require.Equal(t, want, a.Confidence, kind)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Analyze(ctx, ep)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("keyword cap", func(t *testing.T) {
		small := &HeuristicProvider{MaxKeywords: 2}
		a, err := small.Analyze(context.Background(), &Episode{
			Kind:  KindOperation,
			Title: "alpha beta gamma delta epsilon",
		})
		require.NoError(t, err)
		require.Len(t, a.Findings["keywords"], 2)
	})
}
