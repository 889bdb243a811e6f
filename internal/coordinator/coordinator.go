// Package coordinator implements the S2 fair-share slot scheduler. Topics
// declare a priority weight; in-flight work per topic is capped at a share of
// the system-wide slot ceiling proportional to that weight. Blocked topics
// age: their effective priority grows while they wait, so low-priority work
// is delayed under contention but never starved.
package coordinator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// ErrBackpressure is returned when no slot is available for the topic. The
// caller should defer the work and retry; the coordinator remembers the
// blocked attempt and boosts the topic while it waits.
var ErrBackpressure = errors.New("backpressure")

// Config holds the scheduler tunables.
type Config struct {
	MaxSlots   int           // System-wide concurrency ceiling (default 32)
	AgingMs    time.Duration // Wait time granting one aging unit (default 5s)
	AgingBoost float64       // Effective priority added per aging unit (default 0.5)
	AgingCap   float64       // Max aging units a topic can accumulate (default 10)
	Logger     zerolog.Logger
	Emitter    *telemetry.Emitter
}

type topicState struct {
	priority  float64
	occupied  int
	waitSince time.Time // zero when the topic is not blocked
}

// TopicStats is a point-in-time view of one topic for stats endpoints.
type TopicStats struct {
	Priority          float64 `json:"priority"`
	EffectivePriority float64 `json:"effective_priority"`
	Occupied          int     `json:"occupied"`
	MaxSlots          int     `json:"max_slots"`
}

// Coordinator is the fair-share scheduler. All state lives behind one mutex;
// every operation is a short critical section with no blocking inside.
type Coordinator struct {
	mu            sync.Mutex
	topics        map[string]*topicState
	totalOccupied int

	maxSlots   int
	agingMs    time.Duration
	agingBoost float64
	agingCap   float64

	logger  zerolog.Logger
	emitter *telemetry.Emitter

	// Overridable clock for tests
	now func() time.Time
}

// New creates a coordinator with the given config. Zero values take defaults.
func New(cfg Config) *Coordinator {
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = 32
	}
	if cfg.AgingMs == 0 {
		cfg.AgingMs = 5 * time.Second
	}
	if cfg.AgingBoost == 0 {
		cfg.AgingBoost = 0.5
	}
	if cfg.AgingCap == 0 {
		cfg.AgingCap = 10
	}

	return &Coordinator{
		topics:     make(map[string]*topicState),
		maxSlots:   cfg.MaxSlots,
		agingMs:    cfg.AgingMs,
		agingBoost: cfg.AgingBoost,
		agingCap:   cfg.AgingCap,
		logger:     cfg.Logger.With().Str("component", "coordinator").Logger(),
		emitter:    cfg.Emitter,
		now:        time.Now,
	}
}

// SetPriority declares or updates a topic's weight. Weights must be positive;
// non-positive values are clamped to a minimal weight so the topic keeps its
// guaranteed slot.
func (c *Coordinator) SetPriority(topic string, weight float64) {
	if weight <= 0 {
		weight = 0.001
	}

	c.mu.Lock()
	s, ok := c.topics[topic]
	if !ok {
		s = &topicState{}
		c.topics[topic] = s
	}
	s.priority = weight
	c.mu.Unlock()

	c.logger.Info().Str("topic", topic).Float64("weight", weight).Msg("Topic priority set")
}

// ReserveSlot attempts to take one concurrency slot for the topic. On
// success the caller must pair it with ReleaseSlot. On ErrBackpressure the
// topic is stamped as waiting and starts accumulating an aging boost.
//
// A reservation succeeds when both hold:
//   - the system-wide ceiling has room
//   - the topic occupies fewer slots than its fair share allows
func (c *Coordinator) ReserveSlot(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.topics[topic]
	if !ok {
		// Undeclared topics join with weight 1 on first use
		s = &topicState{priority: 1}
		c.topics[topic] = s
	}

	now := c.now()
	limit := c.topicSlotsLocked(s, now)

	if c.totalOccupied >= c.maxSlots || s.occupied >= limit {
		if s.waitSince.IsZero() {
			s.waitSince = now
		}
		monitoring.RecordPressure(topic, s.occupied)
		c.emitter.Emit("coordinator", "pressure", map[string]any{
			"topic":     topic,
			"occupied":  s.occupied,
			"max_slots": limit,
		})
		return fmt.Errorf("%w: topic %s at %d/%d slots", ErrBackpressure, topic, s.occupied, limit)
	}

	s.occupied++
	c.totalOccupied++
	s.waitSince = time.Time{}

	monitoring.RecordSchedule(topic, s.occupied)
	c.emitter.Emit("coordinator", "schedule", map[string]any{
		"topic":     topic,
		"occupied":  s.occupied,
		"max_slots": limit,
	})
	return nil
}

// ReleaseSlot returns a slot taken by a successful ReserveSlot. Releasing
// below zero is a caller bug and is clamped.
func (c *Coordinator) ReleaseSlot(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.topics[topic]
	if !ok || s.occupied == 0 {
		c.logger.Warn().Str("topic", topic).Msg("Release without matching reservation")
		return
	}
	s.occupied--
	c.totalOccupied--
	monitoring.SetCoordinatorOccupancy(topic, s.occupied)
}

// EffectivePriority returns the topic's declared weight plus its current
// aging boost.
func (c *Coordinator) EffectivePriority(topic string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.topics[topic]
	if !ok {
		return 0
	}
	return c.effectivePriorityLocked(s, c.now())
}

// Stats returns a snapshot of every declared topic.
func (c *Coordinator) Stats() map[string]TopicStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]TopicStats, len(c.topics))
	for topic, s := range c.topics {
		out[topic] = TopicStats{
			Priority:          s.priority,
			EffectivePriority: c.effectivePriorityLocked(s, now),
			Occupied:          s.occupied,
			MaxSlots:          c.topicSlotsLocked(s, now),
		}
	}
	return out
}

// effectivePriorityLocked computes priority + agingBoost × min(age/agingMs,
// agingCap). Caller holds c.mu.
func (c *Coordinator) effectivePriorityLocked(s *topicState, now time.Time) float64 {
	p := s.priority
	if !s.waitSince.IsZero() {
		agingUnits := math.Min(float64(now.Sub(s.waitSince))/float64(c.agingMs), c.agingCap)
		p += c.agingBoost * agingUnits
	}
	return p
}

// topicSlotsLocked computes the topic's fair share of the slot ceiling:
// max(1, round(share × maxSlots)) where share = p'(t) / (Σ p'(u) +
// agingBoost × |topics|). The +agingBoost×|topics| term damps the share so a
// lone topic cannot round up to the whole ceiling. Caller holds c.mu.
func (c *Coordinator) topicSlotsLocked(s *topicState, now time.Time) int {
	total := 0.0
	for _, st := range c.topics {
		total += c.effectivePriorityLocked(st, now)
	}
	denom := total + c.agingBoost*float64(len(c.topics))
	if denom <= 0 {
		return 1
	}

	share := c.effectivePriorityLocked(s, now) / denom
	slots := int(math.Round(share * float64(c.maxSlots)))
	if slots < 1 {
		slots = 1
	}
	return slots
}
