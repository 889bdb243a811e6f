package vsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider analyses episodes. Implementations wrap an LLM or another
// reasoning backend; vendor adapters live outside this module.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, ep *Episode) (*Analysis, error)
}

var (
	// ErrProviderUnavailable means the backend cannot be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRateLimited means the backend refused for quota reasons.
	ErrProviderRateLimited = errors.New("provider rate limited")
)

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "at": true, "for": true,
	"from": true, "in": true, "is": true, "of": true, "on": true,
	"the": true, "to": true, "with": true,
}

// HeuristicProvider is the built-in analysis backend: keyword extraction
// plus kind-based confidence. It keeps the intelligence loop fully
// functional without any external service.
type HeuristicProvider struct {
	// MaxKeywords bounds the salient-term list; zero means 5.
	MaxKeywords int
}

// Name identifies the provider in analysis results.
func (p *HeuristicProvider) Name() string { return "heuristic" }

// Analyze extracts the most frequent non-stopword terms from the episode
// title and string data fields.
func (p *HeuristicProvider) Analyze(ctx context.Context, ep *Episode) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := p.MaxKeywords
	if limit <= 0 {
		limit = 5
	}

	counts := make(map[string]int)
	addTokens(counts, ep.Title)
	for _, v := range ep.Data {
		if s, ok := v.(string); ok {
			addTokens(counts, s)
		}
	}

	keywords := make([]string, 0, len(counts))
	for w := range counts {
		keywords = append(keywords, w)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}

	summary := fmt.Sprintf("episode %q classified as %s", ep.Title, ep.Kind)
	if len(keywords) > 0 {
		summary += "; salient terms: " + strings.Join(keywords, ", ")
	}

	return &Analysis{
		EpisodeID:  ep.ID,
		Provider:   p.Name(),
		Summary:    summary,
		Confidence: kindConfidence(ep.Kind),
		Findings: map[string]any{
			"keywords": keywords,
			"kind":     ep.Kind,
		},
		DurationMs: time.Since(ep.CreatedAt).Milliseconds(),
	}, nil
}

func addTokens(counts map[string]int, text string) {
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,:;!?()[]{}\"'")
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}
}

func kindConfidence(kind string) float64 {
	switch kind {
	case KindAlert:
		return 0.9
	case KindPolicyViolation:
		return 0.85
	case KindResourceExhausted:
		return 0.8
	default:
		return 0.5
	}
}
