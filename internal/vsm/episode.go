// Package vsm implements the five-system viable routing layer: operations
// intake (S1), fair-share coordination (S2), resource control (S3),
// episode intelligence (S4), and policy plus identity (S5). Systems talk
// to each other only through the bus, so every hop is signed, verified,
// and replay-protected.
package vsm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// Episode kinds. Free-form kinds are accepted; these are the ones the
// routing rules know about.
const (
	KindAlert             = "alert"
	KindPolicyViolation   = "policy_violation"
	KindResourceExhausted = "resource_exhausted"
	KindAnalysis          = "analysis"
	KindTelegramUpdate    = "telegram_update"
	KindOperation         = "operation"
)

// Episode is the unit of work handed across the VSM systems.
type Episode struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Title        string         `json:"title"`
	Priority     string         `json:"priority"`
	SourceSystem string         `json:"source_system"`
	CreatedAt    time.Time      `json:"created_at"`
	Context      map[string]any `json:"context,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewEpisode creates an episode with a fresh id and timestamp. An empty
// priority defaults to normal.
func NewEpisode(kind, title, priority, sourceSystem string) *Episode {
	if priority == "" {
		priority = string(limits.PriorityNormal)
	}
	monitoring.RecordEpisodeCreated(kind)
	return &Episode{
		ID:           uuid.NewString(),
		Kind:         kind,
		Title:        title,
		Priority:     priority,
		SourceSystem: sourceSystem,
		CreatedAt:    time.Now().UTC(),
	}
}

// Encode serializes the episode for a bus payload.
func (e *Episode) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode episode: %w", err)
	}
	return data, nil
}

// DecodeEpisode parses a bus payload into an episode. Kind is the only
// hard requirement; a missing priority defaults to normal.
func DecodeEpisode(data []byte) (*Episode, error) {
	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("decode episode: %w", err)
	}
	if ep.Kind == "" {
		return nil, fmt.Errorf("decode episode: missing kind")
	}
	if ep.Priority == "" {
		ep.Priority = string(limits.PriorityNormal)
	}
	return &ep, nil
}

// Tenant returns the owning tenant from episode metadata, or "global"
// when the episode is not tenant-scoped.
func (e *Episode) Tenant() string {
	if t, ok := e.Metadata["tenant"].(string); ok && t != "" {
		return t
	}
	return "global"
}

// Significant reports whether an episode must be escalated from S1 to S2:
// either its kind is inherently significant or its priority is high or
// above.
func Significant(e *Episode) bool {
	switch e.Kind {
	case KindAlert, KindPolicyViolation, KindResourceExhausted:
		return true
	}
	switch limits.ParsePriority(e.Priority) {
	case limits.PriorityCritical, limits.PriorityHigh:
		return true
	}
	return false
}

// ShareWeight maps an episode priority onto a fair-share weight. Higher
// priority work earns a larger slice of the coordinator's slots.
func ShareWeight(priority string) float64 {
	switch limits.ParsePriority(priority) {
	case limits.PriorityCritical:
		return 8
	case limits.PriorityHigh:
		return 4
	case limits.PriorityLow:
		return 1
	default:
		return 2
	}
}

// AMQPPriority maps an episode priority onto the broker's 0..10 scale
// used by the priority alert queue.
func AMQPPriority(priority string) uint8 {
	switch limits.ParsePriority(priority) {
	case limits.PriorityCritical:
		return 10
	case limits.PriorityHigh:
		return 7
	case limits.PriorityLow:
		return 1
	default:
		return 4
	}
}

// Analysis is the result a provider attaches to an episode.
type Analysis struct {
	EpisodeID  string         `json:"episode_id"`
	Provider   string         `json:"provider"`
	Summary    string         `json:"summary"`
	Confidence float64        `json:"confidence,omitempty"`
	Findings   map[string]any `json:"findings,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// AnalysisResult pairs an episode with its completed analysis for the
// completion event stream.
type AnalysisResult struct {
	Episode  *Episode  `json:"episode"`
	Analysis *Analysis `json:"analysis"`
}

func encodeAnalysisResult(ep *Episode, a *Analysis) ([]byte, error) {
	return json.Marshal(AnalysisResult{Episode: ep, Analysis: a})
}
