package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// Registry keeps every registered version of every policy. Registration
// parses and activates a new version; old versions stay addressable so an
// operator can roll back by flipping the active pointer.
type Registry struct {
	mu        sync.RWMutex
	policies  map[string]map[int]*Policy
	active    map[string]int
	evaluator *Evaluator
	logger    zerolog.Logger
	emitter   *telemetry.Emitter
}

// NewRegistry returns an empty registry using default evaluation bounds.
func NewRegistry(logger zerolog.Logger, emitter *telemetry.Emitter) *Registry {
	return &Registry{
		policies:  make(map[string]map[int]*Policy),
		active:    make(map[string]int),
		evaluator: NewEvaluator(),
		logger:    logger.With().Str("component", "policy").Logger(),
		emitter:   emitter,
	}
}

// Register parses source, stores it under the next version number for id,
// and makes that version active. Versions are monotonic per policy id and
// never reused, so re-registering identical source still yields a fresh
// version. On parse failure nothing changes.
func (r *Registry) Register(id, source string) (int, error) {
	if id == "" {
		monitoring.RecordPolicyRegistration("validation_failed")
		return 0, fmt.Errorf("%w: empty policy id", ErrValidation)
	}

	rules, err := Parse(source)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			monitoring.RecordPolicyRegistration("validation_failed")
		} else {
			monitoring.RecordPolicyRegistration("parse_error")
		}
		r.logger.Warn().Err(err).Str("policy", id).Msg("Policy registration rejected")
		return 0, err
	}

	r.mu.Lock()
	versions := r.policies[id]
	if versions == nil {
		versions = make(map[int]*Policy)
		r.policies[id] = versions
	}
	next := 0
	for v := range versions {
		if v > next {
			next = v
		}
	}
	next++

	versions[next] = &Policy{ID: id, Version: next, Rules: rules, Source: source}
	r.active[id] = next
	r.mu.Unlock()

	monitoring.RecordPolicyRegistration("ok")
	r.emitter.Emit("policy", "registered", map[string]any{
		"policy":  id,
		"version": next,
		"rules":   len(rules),
	})
	r.logger.Info().
		Str("policy", id).
		Int("version", next).
		Int("rules", len(rules)).
		Msg("Policy registered")
	return next, nil
}

// SetActiveVersion points id at an already registered version. This is the
// rollback path: the stored policy is reused as-is, no re-parse.
func (r *Registry) SetActiveVersion(id string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	if _, ok := versions[version]; !ok {
		return fmt.Errorf("%w: %s v%d", ErrUnknownVersion, id, version)
	}

	r.active[id] = version
	r.emitter.Emit("policy", "activated", map[string]any{
		"policy":  id,
		"version": version,
	})
	r.logger.Info().Str("policy", id).Int("version", version).Msg("Policy version activated")
	return nil
}

// ActiveVersion reports which version Evaluate would use for id.
func (r *Registry) ActiveVersion(id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.active[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	return v, nil
}

// Get returns a specific stored version.
func (r *Registry) Get(id string, version int) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	p, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownVersion, id, version)
	}
	return p, nil
}

// Active returns the currently active policy for id.
func (r *Registry) Active(id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(id)
}

func (r *Registry) activeLocked(id string) (*Policy, error) {
	v, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	return r.policies[id][v], nil
}

// Evaluate runs the active version of id against in. Unknown policies and
// evaluation errors fail closed to deny.
func (r *Registry) Evaluate(id string, in *Input) (Decision, error) {
	r.mu.RLock()
	p, err := r.activeLocked(id)
	r.mu.RUnlock()
	if err != nil {
		monitoring.RecordPolicyEvaluation("error")
		return DecisionDeny, err
	}

	d, err := r.evaluator.Evaluate(p, in)
	if err != nil {
		monitoring.RecordPolicyEvaluation("error")
		r.logger.Warn().Err(err).Str("policy", id).Int("version", p.Version).Msg("Policy evaluation failed")
		return DecisionDeny, fmt.Errorf("policy %s v%d: %w", id, p.Version, err)
	}

	monitoring.RecordPolicyEvaluation(string(d))
	return d, nil
}

// EvaluateAll runs each policy in order and short-circuits on the first
// deny. The result is allow only when every listed policy allows; an
// unknown policy or an evaluation error denies.
func (r *Registry) EvaluateAll(ids []string, in *Input) (Decision, error) {
	for _, id := range ids {
		d, err := r.Evaluate(id, in)
		if err != nil {
			return DecisionDeny, err
		}
		if d == DecisionDeny {
			return DecisionDeny, nil
		}
	}
	return DecisionAllow, nil
}

// Policies lists registered policy ids.
func (r *Registry) Policies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	return ids
}
