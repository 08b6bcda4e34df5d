// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowguard/flowcore/internal/clock"
	"github.com/flowguard/flowcore/internal/config"
	flowerrors "github.com/flowguard/flowcore/internal/errors"
	"github.com/flowguard/flowcore/internal/logging"
)

// Config is the flow manager's tunable configuration, sourced from the
// config store's flow.* keys.
type Config struct {
	HashSize          int
	Memcap            uint64
	Prealloc          int
	EmergencyRecovery int
	PruneFlows        int
	ReclaimInterval   time.Duration

	// EnableOffload gates whether SetMirror has any effect. A Manager
	// built with EnableOffload=false ignores any mirror passed to
	// SetMirror, so disabling offload at runtime never requires the
	// caller to also stop constructing one.
	EnableOffload bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HashSize:          65536,
		Memcap:            32 * 1024 * 1024,
		Prealloc:          10000,
		EmergencyRecovery: 30,
		PruneFlows:        5,
		ReclaimInterval:   time.Second,
	}
}

// ConfigFromStore builds a Config from a config.Store, applying the
// default for any key left unset and falling back to the default (with a
// logged warning) for any key present but invalid: a recoverable config
// error.
func ConfigFromStore(store *config.Store, logger *logging.Logger) Config {
	cfg := DefaultConfig()
	warnInvalid := func(key string) {
		if raw, present := store.Get(key); present {
			logger.Warn("invalid config value, using default", "key", key, "value", raw)
		}
	}

	if v, ok := store.GetSize("flow.memcap"); ok {
		cfg.Memcap = v
	} else {
		warnInvalid("flow.memcap")
	}
	if v, ok := store.GetInt("flow.hash-size"); ok && v > 0 {
		cfg.HashSize = int(v)
	} else {
		warnInvalid("flow.hash-size")
	}
	if v, ok := store.GetInt("flow.prealloc"); ok && v > 0 {
		cfg.Prealloc = int(v)
	} else {
		warnInvalid("flow.prealloc")
	}
	if v, ok := store.GetInt("flow.prune-flows"); ok && v > 0 {
		cfg.PruneFlows = int(v)
	} else {
		warnInvalid("flow.prune-flows")
	}
	if v, ok := store.GetInt("flow.emergency-recovery"); ok {
		if v < 1 || v > 100 {
			logger.Warn("flow.emergency-recovery out of range, using default", "value", v, "default", cfg.EmergencyRecovery)
		} else {
			cfg.EmergencyRecovery = int(v)
		}
	}
	if v, ok := store.GetBool("flow.enable-offload"); ok {
		cfg.EnableOffload = v
	}

	return cfg
}

// Mirror is the narrow interface the flow manager needs from an offload
// mirror. Declared here, not imported from the offload package, so this
// package never depends on the eBPF map/conntrack stack -- any type with
// this shape wires in, including offload.Mirror, by Go's structural
// typing.
type Mirror interface {
	Put(tuple Tuple, verdict uint8, lastSeen time.Time) error
	Evict(tuple Tuple)
}

// mirrorEvent is one lifecycle transition queued for the mirror worker.
type mirrorEvent struct {
	established bool
	tuple       Tuple
	ts          time.Time
}

// Manager owns the flow table, the protocol policy table, and the
// background reclaimer goroutine -- the lifecycle API of init,
// update-spare-flows, and shutdown, built on a channel-based
// start/stop lifecycle.
type Manager struct {
	id      uuid.UUID
	logger  *logging.Logger
	clock   clock.Clock
	config  Config
	protos  *ProtoTable
	table   *Table
	metrics *Metrics

	mirror   Mirror
	mirrorCh chan mirrorEvent

	stopCh     chan struct{}
	doneCh     chan struct{}
	mirrorDone chan struct{}
}

// SetMirror wires an offload mirror into the manager: established flows
// and evictions are queued to a background worker that calls mr.Put/
// mr.Evict, keeping the manager's own lookup/reclaim paths off any
// kernel-map I/O off the packet path, which must never suspend. A no-op
// if cfg.EnableOffload is false or mr is nil. Call before Start.
func (m *Manager) SetMirror(mr Mirror) {
	if !m.config.EnableOffload || mr == nil {
		return
	}
	m.mirror = mr
	m.mirrorCh = make(chan mirrorEvent, 1024)
	if m.table != nil {
		m.wireMirrorHooks()
	}
}

func (m *Manager) wireMirrorHooks() {
	m.table.SetHooks(
		func(tuple Tuple, ts time.Time) {
			m.queueMirrorEvent(mirrorEvent{established: true, tuple: tuple, ts: ts})
		},
		func(tuple Tuple) {
			m.queueMirrorEvent(mirrorEvent{established: false, tuple: tuple})
		},
	)
}

// queueMirrorEvent enqueues ev for the mirror worker without blocking the
// caller (the bucket or flow lock is typically still held a frame up the
// stack). A full queue drops the event and logs it -- the mirror is
// advisory, never a dependency of the lookup/insert path.
func (m *Manager) queueMirrorEvent(ev mirrorEvent) {
	select {
	case m.mirrorCh <- ev:
	default:
		m.logger.Debug("flow: mirror queue full, dropping event", "instance", m.id, "established", ev.established)
	}
}

// mirrorLoop drains mirrorCh and applies each event to the mirror. It
// exits once mirrorCh is closed and drained.
func (m *Manager) mirrorLoop() {
	defer close(m.mirrorDone)
	for ev := range m.mirrorCh {
		if ev.established {
			if err := m.mirror.Put(ev.tuple, 1, ev.ts); err != nil {
				m.logger.Debug("flow: mirror put failed", "instance", m.id, "error", err)
			}
		} else {
			m.mirror.Evict(ev.tuple)
		}
	}
}

// NewManager constructs a Manager without starting its background
// reclaimer; call Init then Start.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	return &Manager{
		id:     uuid.New(),
		logger: logger,
		clock:  clock.Real,
		config: cfg,
		protos: NewProtoTable(),
	}
}

// WithClock overrides the manager's clock, for deterministic tests.
func (m *Manager) WithClock(clk clock.Clock) *Manager {
	m.clock = clk
	return m
}

// Protos returns the manager's protocol policy table, for registering
// free/state callbacks and timeout overrides before Init.
func (m *Manager) Protos() *ProtoTable { return m.protos }

// Table returns the underlying flow table, mainly for tests and
// diagnostics (Table.Stats, Table.Dump).
func (m *Manager) Table() *Table { return m.table }

// Init allocates the hash table and spare queue. A hash/bucket allocation
// failure or memcap-below-bucket-floor condition is fatal; when quiet is
// false the error is also logged before being returned.
func (m *Manager) Init(quiet bool) error {
	table, err := NewTable(TableConfig{
		HashSize: m.config.HashSize,
		Memcap:   m.config.Memcap,
		Prealloc: m.config.Prealloc,
	}, m.protos, m.clock)
	if err != nil {
		if !quiet {
			m.logger.Error("flow: fatal init error", "error", err, "instance", m.id)
		}
		return err
	}
	table.SetEmergencyRecovery(m.config.EmergencyRecovery)

	m.table = table
	m.metrics = NewMetrics(m.id.String())
	m.table.pool.updateSpareFlows()
	if m.mirror != nil {
		m.wireMirrorHooks()
	}

	if !quiet {
		m.logger.Info("flow table initialized",
			"instance", m.id,
			"hash_size", m.config.HashSize,
			"memcap", m.config.Memcap,
			"prealloc", m.config.Prealloc)
	}
	return nil
}

// Start launches the background reclaimer goroutine, the flow manager's
// own worker thread.
func (m *Manager) Start() error {
	if m.table == nil {
		return flowerrors.New(flowerrors.KindInternal, "flow: Start called before Init")
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.reclaimLoop()

	if m.mirror != nil {
		m.mirrorDone = make(chan struct{})
		go m.mirrorLoop()
	}

	m.logger.Info("flow manager started", "instance", m.id, "reclaim_interval", m.config.ReclaimInterval)
	return nil
}

// reclaimLoop is the background reclaimer thread: it reclaims on a fixed
// tick, then adapts the tick interval to load.
func (m *Manager) reclaimLoop() {
	defer close(m.doneCh)

	interval := m.config.ReclaimInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := m.table.reclaim(m.config.PruneFlows)
			if n > 0 {
				m.logger.Debug("flow reclaimer evicted flows", "instance", m.id, "count", n)
			}
			m.metrics.observeReclaim(n, m.table)
			m.table.pool.updateSpareFlows()

			next := m.tuneReclaimInterval(interval)
			if next != interval {
				m.logger.Info("adaptive reclaim tuning",
					"instance", m.id, "old_interval", interval, "new_interval", next,
					"usage_percent", m.table.pool.usageRatio()*100)
				interval = next
				ticker.Reset(interval)
			}
		case <-m.stopCh:
			return
		}
	}
}

// tuneReclaimInterval narrows or widens the reclaim tick based on memcap
// pressure: tighter under load so reclamation keeps pace, looser when
// idle to save CPU.
func (m *Manager) tuneReclaimInterval(current time.Duration) time.Duration {
	usage := m.table.pool.usageRatio()

	switch {
	case usage > 0.5:
		target := current / 2
		if target < 100*time.Millisecond {
			target = 100 * time.Millisecond
		}
		return target
	case usage < 0.1:
		target := current * 2
		if target > 30*time.Second {
			target = 30 * time.Second
		}
		return target
	default:
		return current
	}
}

// UpdateSpareFlows brings the spare queue toward its target length. Safe
// to call at any time, including outside the background loop.
func (m *Manager) UpdateSpareFlows() {
	m.table.pool.updateSpareFlows()
}

// HandlePacket is the packet-path entry point. It returns a locked
// FlowHandle the caller must Release, or an error if the flow could not
// be obtained -- the caller is expected to drop pkt from the
// flow-attached pipeline in that case and otherwise keep the engine
// running.
func (m *Manager) HandlePacket(pkt PacketView) (*FlowHandle, error) {
	h, err := m.table.GetOrCreate(pkt)
	if err != nil {
		m.metrics.observeAllocFailure()
		return nil, err
	}
	if h.Created() {
		m.metrics.observeCreated()
	}
	m.metrics.observePacket(m.table)
	return h, nil
}

// Shutdown drains the engine: it walks every bucket, clears and frees
// every flow, then lets the bucket array and spare queue be reclaimed by
// the garbage collector. Workers must have stopped calling HandlePacket
// before Shutdown is called. Uses a bounded wait on each background
// worker's completion channel, logging a warning rather than blocking
// forever if ctx expires first.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.stopCh != nil {
		select {
		case <-m.stopCh:
		default:
			close(m.stopCh)
		}
		select {
		case <-m.doneCh:
		case <-ctx.Done():
			m.logger.Warn("flow manager shutdown timed out waiting for reclaimer", "instance", m.id)
		}
	}

	m.table.Destroy()

	if m.mirrorCh != nil {
		close(m.mirrorCh)
		select {
		case <-m.mirrorDone:
		case <-ctx.Done():
			m.logger.Warn("flow manager shutdown timed out waiting for mirror worker", "instance", m.id)
		}
	}

	m.logger.Info("flow manager stopped", "instance", m.id)
	return nil
}
