// Package crdt replicates a triple graph across sites with add-wins
// last-writer-wins merge semantics.
//
// Each entry is a (subject, predicate, object) triple stamped with
// (timestamp_ms, site). Concurrent writes to the same key resolve to the
// higher stamp; removes are tombstones ordered the same way, so a newer
// put resurrects a removed triple. Local mutations accumulate as a pending
// delta that the replica ships to peers over NATS.
package crdt

import (
	"sort"
	"sync"
	"time"
)

// Meta stamps a record for merge ordering and carries caller fields.
type Meta struct {
	TimestampMs int64          `json:"timestamp_ms"`
	Site        string         `json:"site"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Triple is one edge of the context graph.
type Triple struct {
	Subject   string `json:"s"`
	Predicate string `json:"p"`
	Object    string `json:"o"`
	Meta      Meta   `json:"meta"`
}

// Record is the replicated unit: a triple, optionally tombstoned.
type Record struct {
	Triple
	Tombstone bool `json:"tombstone,omitempty"`
}

// Delta is a batch of records shipped from one site to its peers.
type Delta struct {
	Site    string   `json:"site"`
	Records []Record `json:"records"`
}

// Store holds one site's replica state. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	site      string
	entries   map[string]Record
	pending   []Record
	live      int
	lastStamp int64
	dirty     chan struct{}

	now func() time.Time
}

// NewStore returns an empty replica for the given site id.
func NewStore(site string) *Store {
	return &Store{
		site:    site,
		entries: make(map[string]Record),
		dirty:   make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Site returns the replica's site id.
func (s *Store) Site() string {
	return s.site
}

// PutTriple writes a triple stamped with the local site and a locally
// monotone timestamp, and queues it for shipping.
func (s *Store) PutTriple(subject, predicate, object string, fields map[string]any) Record {
	s.mu.Lock()
	rec := Record{Triple: Triple{
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
		Meta:      Meta{TimestampMs: s.stampLocked(), Site: s.site, Fields: fields},
	}}
	s.applyLocked(rec)
	s.pending = append(s.pending, rec)
	s.mu.Unlock()

	s.signal()
	return rec
}

// RemoveTriple writes a tombstone for the key. The tombstone is recorded
// even when the key is unknown locally so it can supersede an older remote
// put that has not arrived yet.
func (s *Store) RemoveTriple(subject, predicate, object string) Record {
	s.mu.Lock()
	rec := Record{
		Triple: Triple{
			Subject:   subject,
			Predicate: predicate,
			Object:    object,
			Meta:      Meta{TimestampMs: s.stampLocked(), Site: s.site},
		},
		Tombstone: true,
	}
	s.applyLocked(rec)
	s.pending = append(s.pending, rec)
	s.mu.Unlock()

	s.signal()
	return rec
}

// Merge applies remote records and reports how many changed local state.
// Merged records are not re-queued for shipping; every site broadcasts its
// own mutations.
func (s *Store) Merge(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, rec := range records {
		if s.applyLocked(rec) {
			applied++
		}
	}
	return applied
}

// Triples snapshots the live (non-tombstoned) triples in key order.
func (s *Store) Triples() []Triple {
	s.mu.RLock()
	out := make([]Triple, 0, s.live)
	for _, rec := range s.entries {
		if !rec.Tombstone {
			out = append(out, rec.Triple)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.Object < b.Object
	})
	return out
}

// Match returns live triples matching the pattern; empty fields match any
// value.
func (s *Store) Match(subject, predicate, object string) []Triple {
	var out []Triple
	for _, t := range s.Triples() {
		if subject != "" && t.Subject != subject {
			continue
		}
		if predicate != "" && t.Predicate != predicate {
			continue
		}
		if object != "" && t.Object != object {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Snapshot returns the full replica state including tombstones, for
// anti-entropy sync with a joining peer.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.entries))
	for _, rec := range s.entries {
		out = append(out, rec)
	}
	return out
}

// TakePending drains the queued local mutations.
func (s *Store) TakePending() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	s.pending = nil
	return p
}

// requeue puts records back at the head of the pending queue after a
// failed ship.
func (s *Store) requeue(records []Record) {
	s.mu.Lock()
	s.pending = append(records, s.pending...)
	s.mu.Unlock()
	s.signal()
}

// Dirty signals when local mutations are waiting to ship.
func (s *Store) Dirty() <-chan struct{} {
	return s.dirty
}

// Len counts live triples.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// CollectTombstones drops tombstones older than maxAge and returns how
// many were removed.
func (s *Store) CollectTombstones(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.entries {
		if rec.Tombstone && rec.Meta.TimestampMs < cutoff {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// stampLocked returns the current time in ms, bumped past the previous
// stamp so local writes are strictly ordered even within one millisecond.
func (s *Store) stampLocked() int64 {
	ts := s.now().UnixMilli()
	if ts <= s.lastStamp {
		ts = s.lastStamp + 1
	}
	s.lastStamp = ts
	return ts
}

func (s *Store) applyLocked(rec Record) bool {
	key := rec.Subject + "\x00" + rec.Predicate + "\x00" + rec.Object

	cur, ok := s.entries[key]
	if ok && !supersedes(rec, cur) {
		return false
	}

	switch {
	case !ok && !rec.Tombstone:
		s.live++
	case ok && cur.Tombstone && !rec.Tombstone:
		s.live++
	case ok && !cur.Tombstone && rec.Tombstone:
		s.live--
	}
	s.entries[key] = rec
	return true
}

// supersedes orders records by (timestamp_ms, site). On an identical
// ordering key a put beats a tombstone, which makes the merge add-wins.
func supersedes(in, cur Record) bool {
	if in.Meta.TimestampMs != cur.Meta.TimestampMs {
		return in.Meta.TimestampMs > cur.Meta.TimestampMs
	}
	if in.Meta.Site != cur.Meta.Site {
		return in.Meta.Site > cur.Meta.Site
	}
	return cur.Tombstone && !in.Tombstone
}

func (s *Store) signal() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}
