// Package pubsub is the in-process topic bus behind the SSE and WebSocket
// event streams. Topics are plain strings (one per tenant); each keeps a
// bounded history ring so a reconnecting client can resume from its last
// seen event id.
package pubsub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultHistorySize = 256

// Event is one unit delivered to stream subscribers.
type Event struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  []byte `json:"data"`
}

// Subscription is a live feed over one or more topics. Consume from C until
// it closes; call Cancel exactly once when done.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics []string
	id     int
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription from every topic and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type topicState struct {
	subscribers map[int]chan Event
	history     []Event // append-bounded ring, oldest first
	lastMs      int64
	seq         uint64
}

// Bus distributes published events to topic subscribers. Delivery is
// non-blocking: a subscriber that cannot keep up loses events rather than
// stalling the publisher.
type Bus struct {
	mu          sync.Mutex
	topics      map[string]*topicState
	nextSubID   int
	historySize int
	dropped     atomic.Uint64

	logger zerolog.Logger

	// Overridable clock for tests
	now func() time.Time
}

// New creates a bus. historySize 0 takes the default of 256 events per topic.
func New(historySize int, logger zerolog.Logger) *Bus {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Bus{
		topics:      make(map[string]*topicState),
		historySize: historySize,
		logger:      logger.With().Str("component", "pubsub").Logger(),
		now:         time.Now,
	}
}

// Publish delivers an event to every subscriber of topic and records it in
// the topic's history. Returns the stored event with its assigned id.
//
// Ids are "<unix_ms>-<seq>", monotone per topic even when the wall clock
// stalls or steps backwards.
func (b *Bus) Publish(topic, eventType string, data []byte) Event {
	b.mu.Lock()

	t := b.getTopicLocked(topic)

	nowMs := b.now().UnixMilli()
	if nowMs <= t.lastMs {
		t.seq++
	} else {
		t.lastMs = nowMs
		t.seq = 0
	}

	ev := Event{
		ID:    fmt.Sprintf("%d-%d", t.lastMs, t.seq),
		Topic: topic,
		Type:  eventType,
		Data:  data,
	}

	t.history = append(t.history, ev)
	if len(t.history) > b.historySize {
		t.history = t.history[len(t.history)-b.historySize:]
	}

	// Delivery stays under the lock so a concurrent Cancel cannot close a
	// channel between the send and the subscriber-map removal. Sends are
	// non-blocking, so the critical section stays O(subscribers).
	for _, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			dropped := b.dropped.Add(1)
			if dropped%100 == 1 {
				b.logger.Warn().
					Uint64("total_dropped", dropped).
					Str("topic", topic).
					Msg("Slow subscriber, dropping events")
			}
		}
	}
	b.mu.Unlock()

	return ev
}

// Subscribe attaches to the given topics. When lastEventID names an event
// still present in a topic's history, everything published after it is
// replayed into the feed before live delivery; otherwise the feed starts
// from current.
func (b *Bus) Subscribe(topics []string, lastEventID string) *Subscription {
	// Replay burst can reach a full history per topic
	ch := make(chan Event, b.historySize*len(topics)+16)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID

	for _, name := range topics {
		t := b.getTopicLocked(name)

		for _, ev := range b.replayLocked(t, lastEventID) {
			ch <- ev
		}
		t.subscribers[id] = ch
	}
	b.mu.Unlock()

	sub := &Subscription{C: ch, ch: ch, topics: topics, id: id}
	sub.cancel = func() {
		b.mu.Lock()
		for _, name := range sub.topics {
			if t, ok := b.topics[name]; ok {
				delete(t.subscribers, sub.id)
			}
		}
		b.mu.Unlock()
		close(ch)
	}
	return sub
}

// SubscriberCount reports the current subscribers of a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.subscribers)
	}
	return 0
}

// Dropped returns the total events discarded because a subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// getTopicLocked resolves or creates a topic. Caller holds b.mu.
func (b *Bus) getTopicLocked(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{subscribers: make(map[int]chan Event)}
		b.topics[name] = t
	}
	return t
}

// replayLocked returns the history entries published strictly after
// lastEventID when that id is still retained. Caller holds b.mu.
func (b *Bus) replayLocked(t *topicState, lastEventID string) []Event {
	if lastEventID == "" || len(t.history) == 0 {
		return nil
	}
	lastMs, lastSeq, ok := parseEventID(lastEventID)
	if !ok {
		return nil
	}

	// The client's position must still be retained; a trimmed-away id means
	// an unknown gap, so the feed restarts from current instead.
	found := -1
	for i, ev := range t.history {
		ms, seq, _ := parseEventID(ev.ID)
		if ms == lastMs && seq == lastSeq {
			found = i
			break
		}
	}
	if found < 0 || found == len(t.history)-1 {
		return nil
	}
	return t.history[found+1:]
}

// parseEventID splits "<unix_ms>-<seq>" into its components.
func parseEventID(id string) (ms int64, seq uint64, ok bool) {
	dash := strings.LastIndexByte(id, '-')
	if dash <= 0 || dash == len(id)-1 {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(id[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
