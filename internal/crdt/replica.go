package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// NATS subjects for replica discovery and delta exchange.
const (
	SubjectJoin  = "cyb.crdt.join"
	SubjectDelta = "cyb.crdt.delta"

	subjectSyncPrefix = "cyb.crdt.sync."
)

// SyncSubject is where a site answers full-state sync requests.
func SyncSubject(site string) string {
	return subjectSyncPrefix + site
}

type joinAnnounce struct {
	Site string `json:"site"`
}

// ReplicaConfig tunes delta shipping and tombstone collection.
type ReplicaConfig struct {
	Site         string
	ShipInterval time.Duration // ceiling on ship latency, default 500ms
	Debounce     time.Duration // burst batching window, default 50ms
	SyncTimeout  time.Duration // full-state request timeout, default 5s
	TombstoneTTL time.Duration // default 24h
	GCInterval   time.Duration // default 1h
	Logger       zerolog.Logger
	Emitter      *telemetry.Emitter
}

func (c *ReplicaConfig) applyDefaults() {
	if c.ShipInterval <= 0 {
		c.ShipInterval = 500 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Second
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 24 * time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Hour
	}
}

// Replica connects a Store to its peers. It announces itself on join,
// answers full-state sync requests, applies peer deltas, and ships local
// mutations on a debounced interval.
type Replica struct {
	cfg     ReplicaConfig
	store   *Store
	nc      *nats.Conn
	logger  zerolog.Logger
	emitter *telemetry.Emitter

	mu    sync.Mutex
	peers map[string]time.Time
	subs  []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplica wires a fresh store for cfg.Site onto an existing NATS
// connection.
func NewReplica(nc *nats.Conn, cfg ReplicaConfig) *Replica {
	cfg.applyDefaults()
	return &Replica{
		cfg:     cfg,
		store:   NewStore(cfg.Site),
		nc:      nc,
		logger:  cfg.Logger.With().Str("component", "crdt").Str("site", cfg.Site).Logger(),
		emitter: cfg.Emitter,
		peers:   make(map[string]time.Time),
	}
}

// Connect dials NATS with reconnect handling. Handlers only log; the
// replica keeps working through reconnects because subscriptions survive
// them.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "crdt").Logger()

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Start subscribes the replica, announces it to peers, and launches the
// ship and GC loops.
func (r *Replica) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, s := range []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectJoin, r.handleJoin},
		{SubjectDelta, r.handleDelta},
		{SyncSubject(r.cfg.Site), r.handleSyncRequest},
	} {
		sub, err := r.nc.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.announce(); err != nil {
		r.logger.Warn().Err(err).Msg("Join announce failed")
	}

	r.wg.Add(2)
	go r.shipLoop()
	go r.gcLoop()

	r.logger.Info().
		Dur("ship_interval", r.cfg.ShipInterval).
		Msg("CRDT replica started")
	return nil
}

// Stop unsubscribes, flushes pending deltas, and waits for the loops.
func (r *Replica) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("CRDT replica stopped")
}

// PutTriple writes locally and queues the record for the next ship.
func (r *Replica) PutTriple(subject, predicate, object string, fields map[string]any) Record {
	rec := r.store.PutTriple(subject, predicate, object, fields)
	monitoring.SetCRDTTriples(r.store.Len())
	return rec
}

// RemoveTriple tombstones locally and queues the record for the next ship.
func (r *Replica) RemoveTriple(subject, predicate, object string) Record {
	rec := r.store.RemoveTriple(subject, predicate, object)
	monitoring.SetCRDTTriples(r.store.Len())
	return rec
}

// Triples snapshots the live graph.
func (r *Replica) Triples() []Triple {
	return r.store.Triples()
}

// Match queries the live graph with empty-string wildcards.
func (r *Replica) Match(subject, predicate, object string) []Triple {
	return r.store.Match(subject, predicate, object)
}

// Len counts live triples.
func (r *Replica) Len() int {
	return r.store.Len()
}

// Peers lists the currently known peer sites.
func (r *Replica) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.peers))
	for site := range r.peers {
		out = append(out, site)
	}
	return out
}

func (r *Replica) announce() error {
	data, err := json.Marshal(joinAnnounce{Site: r.cfg.Site})
	if err != nil {
		return err
	}
	return r.nc.Publish(SubjectJoin, data)
}

func (r *Replica) handleJoin(msg *nats.Msg) {
	var join joinAnnounce
	if err := json.Unmarshal(msg.Data, &join); err != nil || join.Site == "" {
		r.logger.Warn().Err(err).Msg("Malformed join announce")
		return
	}
	if join.Site == r.cfg.Site {
		return
	}

	r.mu.Lock()
	_, known := r.peers[join.Site]
	r.peers[join.Site] = time.Now()
	count := len(r.peers)
	r.mu.Unlock()

	if known {
		return
	}

	monitoring.SetCRDTPeers(count)
	r.logger.Info().Str("peer", join.Site).Int("peers", count).Msg("CRDT peer discovered")
	r.emitter.Emit("crdt", "peer_joined", map[string]any{"peer": join.Site})

	// Announce back so the new peer learns about this site; known peers
	// are skipped above, which stops the exchange after one round trip.
	if err := r.announce(); err != nil {
		r.logger.Warn().Err(err).Msg("Reply announce failed")
	}

	r.syncWith(join.Site)
}

// syncWith pulls the peer's full state for anti-entropy after discovery.
func (r *Replica) syncWith(site string) {
	resp, err := r.nc.Request(SyncSubject(site), nil, r.cfg.SyncTimeout)
	if err != nil {
		r.logger.Warn().Err(err).Str("peer", site).Msg("Full-state sync failed")
		return
	}

	var records []Record
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		r.logger.Warn().Err(err).Str("peer", site).Msg("Malformed sync response")
		return
	}

	applied := r.store.Merge(records)
	monitoring.RecordCRDTDelta("applied")
	monitoring.SetCRDTTriples(r.store.Len())
	r.logger.Info().
		Str("peer", site).
		Int("records", len(records)).
		Int("applied", applied).
		Msg("Full state synced")
}

func (r *Replica) handleSyncRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r.store.Snapshot())
	if err != nil {
		monitoring.LogError(r.logger, err, "Snapshot encode failed", nil)
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn().Err(err).Msg("Sync response failed")
	}
}

func (r *Replica) handleDelta(msg *nats.Msg) {
	var delta Delta
	if err := json.Unmarshal(msg.Data, &delta); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed delta")
		return
	}
	if delta.Site == r.cfg.Site {
		return
	}

	r.mu.Lock()
	r.peers[delta.Site] = time.Now()
	count := len(r.peers)
	r.mu.Unlock()
	monitoring.SetCRDTPeers(count)

	applied := r.store.Merge(delta.Records)
	monitoring.RecordCRDTDelta("applied")
	monitoring.SetCRDTTriples(r.store.Len())
	r.logger.Debug().
		Str("peer", delta.Site).
		Int("records", len(delta.Records)).
		Int("applied", applied).
		Msg("Delta applied")
}

// shipLoop broadcasts pending mutations. A mutation arms the debounce
// timer so bursts batch into one delta; the ticker is the latency ceiling
// for anything the debounce path missed.
func (r *Replica) shipLoop() {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "crdt-ship", nil)

	ticker := time.NewTicker(r.cfg.ShipInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(r.cfg.ShipInterval)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.ship()
			return
		case <-r.store.Dirty():
			debounce.Reset(r.cfg.Debounce)
		case <-debounce.C:
			r.ship()
		case <-ticker.C:
			r.ship()
		}
	}
}

func (r *Replica) ship() {
	records := r.store.TakePending()
	if len(records) == 0 {
		return
	}

	data, err := json.Marshal(Delta{Site: r.cfg.Site, Records: records})
	if err != nil {
		monitoring.LogError(r.logger, err, "Delta encode failed", nil)
		return
	}

	if err := r.nc.Publish(SubjectDelta, data); err != nil {
		r.store.requeue(records)
		r.logger.Warn().Err(err).Int("records", len(records)).Msg("Delta ship failed, requeued")
		return
	}

	monitoring.RecordCRDTDelta("shipped")
	r.logger.Debug().Int("records", len(records)).Msg("Delta shipped")
}

func (r *Replica) gcLoop() {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "crdt-gc", nil)

	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if removed := r.store.CollectTombstones(r.cfg.TombstoneTTL); removed > 0 {
				r.logger.Info().Int("removed", removed).Msg("Tombstones collected")
			}
		}
	}
}
