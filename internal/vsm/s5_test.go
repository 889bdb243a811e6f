package vsm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/crdt"
	"github.com/jmanhype/cybernetic/internal/policy"
)

func newTestS5(t *testing.T) (*System5, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	reg := policy.NewRegistry(zerolog.Nop(), nil)
	graph := crdt.NewReplica(nil, crdt.ReplicaConfig{Site: "test-site", Logger: zerolog.Nop()})
	return NewSystem5(reg, graph, pub, System5Config{Logger: zerolog.Nop()}), pub
}

func decodePolicyEvent(t *testing.T, body []byte) PolicyEvent {
	t.Helper()
	var ev PolicyEvent
	require.NoError(t, json.Unmarshal(body, &ev))
	return ev
}

// TestS5PolicyLifecycle walks register, re-register, rollback, and
// evaluate through the bus handler, checking the event emitted for each
// step.
func TestS5PolicyLifecycle(t *testing.T) {
	s5, pub := newTestS5(t)
	ctx := context.Background()

	err := s5.HandlePolicyOp(ctx, testEnv(t, TypeS5PolicyOp, PolicyOp{
		Op: PolicyOpRegister, ID: "api_access", Source: "require :authenticated\nallow",
	}))
	require.NoError(t, err)

	err = s5.HandlePolicyOp(ctx, testEnv(t, TypeS5PolicyOp, PolicyOp{
		Op: PolicyOpRegister, ID: "api_access", Source: "deny",
	}))
	require.NoError(t, err)

	err = s5.HandlePolicyOp(ctx, testEnv(t, TypeS5PolicyOp, PolicyOp{
		Op: PolicyOpActivate, ID: "api_access", Version: 1,
	}))
	require.NoError(t, err)

	err = s5.HandlePolicyOp(ctx, testEnv(t, TypeS5PolicyOp, PolicyOp{
		Op: PolicyOpEvaluate, ID: "api_access",
		Input: &policy.Input{Context: map[string]any{"authenticated": true}},
	}))
	require.NoError(t, err)

	calls := pub.all()
	require.Len(t, calls, 4)
	for _, c := range calls {
		require.Equal(t, bus.ExchangeEvents, c.exchange)
		require.Equal(t, "s5", c.opts.Source)
	}

	require.Equal(t, "policy.registered", calls[0].routingKey)
	require.Equal(t, 1, decodePolicyEvent(t, calls[0].body).Version)
	require.Equal(t, "policy.registered", calls[1].routingKey)
	require.Equal(t, 2, decodePolicyEvent(t, calls[1].body).Version)
	require.Equal(t, "policy.activated", calls[2].routingKey)
	require.Equal(t, 1, decodePolicyEvent(t, calls[2].body).Version)
	require.Equal(t, "policy.decision", calls[3].routingKey)
	require.Equal(t, "allow", decodePolicyEvent(t, calls[3].body).Decision)
}

// TestS5PolicyRejections checks that deterministic registry failures are
// acked and reported as rejection events instead of cycling through the
// retry queue.
func TestS5PolicyRejections(t *testing.T) {
	cases := []struct {
		name string
		op   PolicyOp
	}{
		{"parse failure", PolicyOp{Op: PolicyOpRegister, ID: "bad", Source: "allow context.x =="}},
		{"unknown policy", PolicyOp{Op: PolicyOpEvaluate, ID: "ghost"}},
		{"unknown version", PolicyOp{Op: PolicyOpActivate, ID: "ghost", Version: 9}},
		{"unknown verb", PolicyOp{Op: "frobnicate", ID: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s5, pub := newTestS5(t)
			err := s5.HandlePolicyOp(context.Background(), testEnv(t, TypeS5PolicyOp, tc.op))
			require.NoError(t, err)

			calls := pub.all()
			require.Len(t, calls, 1)
			require.Equal(t, "policy.rejected", calls[0].routingKey)
			require.NotEmpty(t, decodePolicyEvent(t, calls[0].body).Error)
		})
	}

	t.Run("malformed payload retries", func(t *testing.T) {
		s5, pub := newTestS5(t)
		err := s5.HandlePolicyOp(context.Background(), testEnv(t, TypeS5PolicyOp, []byte("{")))
		require.Error(t, err)
		require.Empty(t, pub.all())
	})
}

// TestS5Identity checks role caching in the context graph: claims become
// triples, blank tenants and roles are ignored, and repeated claims stay
// idempotent.
func TestS5Identity(t *testing.T) {
	s5, _ := newTestS5(t)
	ctx := context.Background()

	claim := IdentityClaim{Tenant: "acme", Roles: []string{"auditor", "admin", ""}, Source: "gateway"}
	require.NoError(t, s5.HandleIdentity(ctx, testEnv(t, TypeS5Identity, claim)))
	require.Equal(t, []string{"admin", "auditor"}, s5.TenantRoles("acme"))

	// Same claim again must not duplicate triples.
	require.NoError(t, s5.HandleIdentity(ctx, testEnv(t, TypeS5Identity, claim)))
	require.Equal(t, []string{"admin", "auditor"}, s5.TenantRoles("acme"))

	t.Run("missing tenant", func(t *testing.T) {
		err := s5.HandleIdentity(ctx, testEnv(t, TypeS5Identity, IdentityClaim{Roles: []string{"admin"}}))
		require.NoError(t, err)
		require.Empty(t, s5.TenantRoles(""))
	})

	t.Run("unknown tenant has no roles", func(t *testing.T) {
		require.Empty(t, s5.TenantRoles("nobody"))
	})
}

// TestS5ViolationEvaluation checks that policy-violation episodes are
// evaluated against the named policy with the tenant's cached roles in
// scope.
func TestS5ViolationEvaluation(t *testing.T) {
	s5, pub := newTestS5(t)
	ctx := context.Background()

	require.NoError(t, s5.HandlePolicyOp(ctx, testEnv(t, TypeS5PolicyOp, PolicyOp{
		Op: PolicyOpRegister, ID: "data_access", Source: "allow role:admin\ndeny",
	})))
	require.NoError(t, s5.HandleIdentity(ctx, testEnv(t, TypeS5Identity, IdentityClaim{
		Tenant: "acme", Roles: []string{"admin"}, Source: "gateway",
	})))

	violation := func(tenant string) *Episode {
		ep := NewEpisode(KindPolicyViolation, "bulk export attempted", "high", "s2")
		ep.Data = map[string]any{"policy_id": "data_access"}
		ep.Metadata = map[string]any{"tenant": tenant}
		return ep
	}

	err := s5.HandleEpisode(ctx, testEnv(t, TypeS5Episode, violation("acme")))
	require.NoError(t, err)

	err = s5.HandleEpisode(ctx, testEnv(t, TypeS5Episode, violation("stranger")))
	require.NoError(t, err)

	decisions := pub.byExchange(bus.ExchangeEvents)[1:] // skip the register event
	require.Len(t, decisions, 2)
	require.Equal(t, "policy.decision", decisions[0].routingKey)
	require.Equal(t, "allow", decodePolicyEvent(t, decisions[0].body).Decision)
	require.Equal(t, "deny", decodePolicyEvent(t, decisions[1].body).Decision)

	t.Run("other kinds observed only", func(t *testing.T) {
		s5, pub := newTestS5(t)
		ep := NewEpisode(KindAlert, "not a violation", "high", "s2")
		require.NoError(t, s5.HandleEpisode(ctx, testEnv(t, TypeS5Episode, ep)))

		noPolicy := NewEpisode(KindPolicyViolation, "no policy named", "high", "s2")
		require.NoError(t, s5.HandleEpisode(ctx, testEnv(t, TypeS5Episode, noPolicy)))
		require.Empty(t, pub.all())
	})
}
