package vsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/crdt"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/policy"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// Policy operation verbs accepted by S5.
const (
	PolicyOpRegister = "register"
	PolicyOpActivate = "activate"
	PolicyOpEvaluate = "evaluate"
)

// rolePredicate is the context-graph edge that links a tenant to a role.
const rolePredicate = "has_role"

// PolicyOp is a policy lifecycle command addressed to S5.
type PolicyOp struct {
	Op      string        `json:"op"`
	ID      string        `json:"id"`
	Source  string        `json:"source,omitempty"`
	Version int           `json:"version,omitempty"`
	Input   *policy.Input `json:"input,omitempty"`
}

// PolicyEvent reports the outcome of a policy operation on the event
// stream.
type PolicyEvent struct {
	Op       string `json:"op"`
	ID       string `json:"id"`
	Version  int    `json:"version,omitempty"`
	Decision string `json:"decision,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IdentityClaim caches a tenant's roles in the replicated context graph.
type IdentityClaim struct {
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
	Source string   `json:"source,omitempty"`
}

// System5Config carries the policy layer's ambient dependencies.
type System5Config struct {
	Logger  zerolog.Logger
	Emitter *telemetry.Emitter
}

// System5 is the policy and identity layer: it owns the versioned policy
// registry, caches tenant identity in the replicated context graph, and
// evaluates policy violations escalated by the other systems.
type System5 struct {
	policies *policy.Registry
	graph    *crdt.Replica
	pub      EventPublisher
	logger   zerolog.Logger
	emitter  *telemetry.Emitter
}

// NewSystem5 wires the policy layer.
func NewSystem5(policies *policy.Registry, graph *crdt.Replica, pub EventPublisher, cfg System5Config) *System5 {
	return &System5{
		policies: policies,
		graph:    graph,
		pub:      pub,
		logger:   cfg.Logger.With().Str("component", "vsm").Str("system", "s5").Logger(),
		emitter:  cfg.Emitter,
	}
}

// HandlePolicyOp applies one policy lifecycle command. Commands the
// registry refuses (parse errors, unknown policy or version, unknown
// verbs) are deterministic, so they are acked and reported as a
// rejection event instead of cycling through retries.
func (s *System5) HandlePolicyOp(ctx context.Context, env *envelope.Envelope) error {
	var op PolicyOp
	if err := json.Unmarshal(env.Payload, &op); err != nil {
		return fmt.Errorf("decode policy op: %w", err)
	}
	monitoring.RecordVSMMessage("s5")

	switch op.Op {
	case PolicyOpRegister:
		version, err := s.policies.Register(op.ID, op.Source)
		if err != nil {
			return s.rejectOp(ctx, env, &op, err)
		}
		return s.publishPolicyEvent(ctx, env, "policy.registered", PolicyEvent{
			Op: op.Op, ID: op.ID, Version: version,
		})

	case PolicyOpActivate:
		if err := s.policies.SetActiveVersion(op.ID, op.Version); err != nil {
			return s.rejectOp(ctx, env, &op, err)
		}
		return s.publishPolicyEvent(ctx, env, "policy.activated", PolicyEvent{
			Op: op.Op, ID: op.ID, Version: op.Version,
		})

	case PolicyOpEvaluate:
		in := op.Input
		if in == nil {
			in = &policy.Input{}
		}
		decision, err := s.policies.Evaluate(op.ID, in)
		if err != nil {
			return s.rejectOp(ctx, env, &op, err)
		}
		return s.publishPolicyEvent(ctx, env, "policy.decision", PolicyEvent{
			Op: op.Op, ID: op.ID, Decision: string(decision),
		})

	default:
		return s.rejectOp(ctx, env, &op, fmt.Errorf("unknown policy op %q", op.Op))
	}
}

// HandleIdentity records a tenant's roles as context-graph triples so
// later policy evaluations resolve them on any site.
func (s *System5) HandleIdentity(ctx context.Context, env *envelope.Envelope) error {
	var claim IdentityClaim
	if err := json.Unmarshal(env.Payload, &claim); err != nil {
		return fmt.Errorf("decode identity claim: %w", err)
	}
	monitoring.RecordVSMMessage("s5")

	if claim.Tenant == "" {
		s.emitter.Emit("s5", "identity_rejected", map[string]any{"reason": "missing tenant"})
		return nil
	}

	for _, role := range claim.Roles {
		if role == "" {
			continue
		}
		s.graph.PutTriple(claim.Tenant, rolePredicate, role, map[string]any{"source": claim.Source})
	}

	s.logger.Debug().
		Str("tenant", claim.Tenant).
		Int("roles", len(claim.Roles)).
		Msg("Identity cached")
	s.emitter.Emit("s5", "identity_cached", map[string]any{
		"tenant": claim.Tenant,
		"roles":  len(claim.Roles),
	})
	return nil
}

// HandleEpisode evaluates policy-violation episodes against the policy
// named in their data; everything else is observed only.
func (s *System5) HandleEpisode(ctx context.Context, env *envelope.Envelope) error {
	ep, err := DecodeEpisode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode episode: %w", err)
	}
	monitoring.RecordVSMMessage("s5")

	policyID, _ := ep.Data["policy_id"].(string)
	if ep.Kind != KindPolicyViolation || policyID == "" {
		s.logger.Debug().
			Str("episode", ep.ID).
			Str("kind", ep.Kind).
			Msg("Episode observed")
		s.emitter.Emit("s5", "episode_observed", map[string]any{
			"episode": ep.ID,
			"kind":    ep.Kind,
		})
		return nil
	}

	decision, evalErr := s.policies.Evaluate(policyID, s.violationInput(ep))
	event := PolicyEvent{Op: PolicyOpEvaluate, ID: policyID, Decision: string(decision)}
	if evalErr != nil {
		event.Error = evalErr.Error()
	}
	if err := s.publishPolicyEvent(ctx, env, "policy.decision", event); err != nil {
		return err
	}

	s.logger.Info().
		Str("episode", ep.ID).
		Str("policy", policyID).
		Str("decision", string(decision)).
		Msg("Violation evaluated")
	s.emitter.Emit("s5", "violation_evaluated", map[string]any{
		"episode":  ep.ID,
		"policy":   policyID,
		"decision": string(decision),
	})
	return nil
}

// TenantRoles returns the roles cached for a tenant, sorted.
func (s *System5) TenantRoles(tenant string) []string {
	triples := s.graph.Match(tenant, rolePredicate, "")
	roles := make([]string, 0, len(triples))
	for _, t := range triples {
		roles = append(roles, t.Object)
	}
	return roles
}

// violationInput builds the evaluation input for a violation episode:
// the tenant and its cached roles under context, the episode data under
// resource, and the episode attributes under environment.
func (s *System5) violationInput(ep *Episode) *policy.Input {
	roles := make([]any, 0)
	for _, r := range s.TenantRoles(ep.Tenant()) {
		roles = append(roles, r)
	}
	return &policy.Input{
		Context: map[string]any{
			"tenant": ep.Tenant(),
			"roles":  roles,
		},
		Resource: ep.Data,
		Environment: map[string]any{
			"kind":     ep.Kind,
			"priority": ep.Priority,
		},
	}
}

func (s *System5) rejectOp(ctx context.Context, env *envelope.Envelope, op *PolicyOp, cause error) error {
	s.logger.Warn().
		Err(cause).
		Str("op", op.Op).
		Str("policy", op.ID).
		Msg("Policy operation rejected")
	s.emitter.Emit("s5", "policy_rejected", map[string]any{
		"op":     op.Op,
		"policy": op.ID,
		"error":  cause.Error(),
	})
	return s.publishPolicyEvent(ctx, env, "policy.rejected", PolicyEvent{
		Op: op.Op, ID: op.ID, Error: cause.Error(),
	})
}

func (s *System5) publishPolicyEvent(ctx context.Context, env *envelope.Envelope, routingKey string, event PolicyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode policy event: %w", err)
	}
	if err := s.pub.Publish(ctx, bus.ExchangeEvents, routingKey, body, bus.PublishOptions{
		Type:          routingKey,
		Source:        "s5",
		CorrelationID: env.Headers.CorrelationID,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
