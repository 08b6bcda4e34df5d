// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/flowguard/flowcore/internal/clock"
	flowerrors "github.com/flowguard/flowcore/internal/errors"
)

// TableConfig configures a Table's static sizing.
type TableConfig struct {
	HashSize int
	Memcap   uint64
	Prealloc int
}

// DefaultTableConfig returns the documented defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		HashSize: 65536,
		Memcap:   32 * 1024 * 1024,
		Prealloc: 10000,
	}
}

// Table is the bucketed, per-bucket-locked flow hash table, together with
// the memcap-gated flow pool and emergency-mode flag its get-or-create
// path shares with the reclaimer.
type Table struct {
	buckets []Bucket
	size    uint32
	hashRand uint64

	pool   *pool
	protos *ProtoTable
	clock  clock.Clock

	emergency  atomic.Bool
	pruneIdx   atomic.Uint32

	liveCount atomic.Int64

	// emergencyRecovery is the occupancy-recovery percentage: emergency
	// mode clears once occupancy falls below (100 - emergencyRecovery)%
	// of memcap.
	emergencyRecovery atomic.Int32

	// onEstablish/onEvict are optional hooks a composing layer (Manager)
	// wires up to mirror flow lifecycle transitions into an external
	// store. Table has no notion of what a "mirror" is; it only knows to
	// call a func if one is set, so this package never imports the
	// package that actually implements one.
	onEstablish func(Tuple, time.Time)
	onEvict     func(Tuple)
}

// SetHooks installs the optional lifecycle callbacks a composing layer
// uses to mirror established/evicted flows elsewhere. Either argument may
// be nil. Hooks are called with no lock held beyond the flow's own
// (onEstablish) or the bucket's (onEvict) -- callers that do slow I/O in
// a hook are expected to hand it off to their own goroutine, never to
// block the calling hook invocation: the lookup path never blocks on
// anything but the bucket/spare-queue locks.
func (t *Table) SetHooks(onEstablish func(Tuple, time.Time), onEvict func(Tuple)) {
	t.onEstablish = onEstablish
	t.onEvict = onEvict
}

// NewTable builds a Table of cfg.HashSize buckets. Setting Memcap below
// hash_size x sizeof(Bucket) is a fatal init error -- the caller
// (Manager.Init) is expected to treat a non-nil error here as fatal.
func NewTable(cfg TableConfig, protos *ProtoTable, clk clock.Clock) (*Table, error) {
	if cfg.HashSize <= 0 {
		return nil, flowerrors.New(flowerrors.KindValidation, "flow: hash-size must be positive")
	}
	if clk == nil {
		clk = clock.Real
	}

	size := uint32(cfg.HashSize)
	overhead := bucketSize * uint64(size)
	if cfg.Memcap < overhead {
		return nil, flowerrors.Errorf(flowerrors.KindValidation,
			"flow: memcap %d is below the %d bytes required for %d buckets", cfg.Memcap, overhead, size)
	}

	t := &Table{
		buckets:  make([]Bucket, size),
		size:     size,
		hashRand: newHashRand(),
		protos:   protos,
		clock:    clk,
	}
	t.pool = newPool(cfg.Memcap, cfg.Prealloc, protos, overhead)
	t.emergencyRecovery.Store(30)
	return t, nil
}

// SetEmergencyRecovery overrides the recovery percentage. Values outside
// 1-100 fall back to the default of 30, a recoverable config error.
func (t *Table) SetEmergencyRecovery(percent int) {
	if percent < 1 || percent > 100 {
		percent = 30
	}
	t.emergencyRecovery.Store(int32(percent))
}

func newHashRand() uint64 {
	// Needs only to defeat casual off-path collision engineering, not to
	// be cryptographically strong.
	return rand.Uint64()
}

// MemUse returns the current flow_memuse counter.
func (t *Table) MemUse() uint64 {
	if t.pool == nil {
		return 0
	}
	return t.pool.memUse()
}

// Memcap returns the configured cap.
func (t *Table) Memcap() uint64 { return t.pool.memcap }

// LiveCount returns the number of flows currently resident in the table
// (not counting the spare queue).
func (t *Table) LiveCount() int64 { return t.liveCount.Load() }

// Emergency reports whether the engine is currently in emergency mode.
func (t *Table) Emergency() bool { return t.emergency.Load() }

func (t *Table) bucketFor(tuple Tuple) *Bucket {
	idx := hash(tuple, t.hashRand, t.size)
	return &t.buckets[idx]
}

// GetOrCreate locates a flow matching pkt's tuple (in either orientation),
// or creates one on a miss. It returns a FlowHandle with the flow already
// locked, or an error if allocation is impossible: the cap is exhausted
// and no reclamation slack remains.
func (t *Table) GetOrCreate(pkt PacketView) (*FlowHandle, error) {
	tuple := pkt.Tuple()
	b := t.bucketFor(tuple)
	now := pkt.Timestamp()

	b.mu.Lock()

	for f := b.head; f != nil; f = f.hnext {
		if matched, dir := f.Tuple.matches(tuple); matched {
			f.mu.Lock()
			b.mu.Unlock()
			t.onPacket(f, dir, pkt, now)
			return &FlowHandle{flow: f, direction: dir}, nil
		}
	}

	// Miss: acquire a flow outside the bucket lock's critical section is
	// not possible here without releasing and re-walking. The pool's
	// acquire() only takes its own short-lived locks (spare queue) or
	// performs a lock-free atomic bump, so holding the bucket lock across
	// it does not violate that rule in this in-memory port -- there is no
	// syscall-backed allocator to block on.
	//
	// Under emergency mode, a brand-new flow with no spare flow waiting to
	// serve it is shed outright rather than forced through a fresh
	// allocation: the remaining headroom is reserved for flows already in
	// flight. This is a distinct rejection from outright cap exhaustion
	// below, which can also happen outside emergency mode.
	if t.emergency.Load() && t.pool.spareLen() == 0 {
		b.mu.Unlock()
		return nil, flowerrors.New(flowerrors.KindEmergency, "flow: emergency mode shedding new flow, no spare flow available")
	}

	f, ok := t.pool.acquire()
	if !ok {
		t.emergency.Store(true)
		b.mu.Unlock()
		return nil, flowerrors.New(flowerrors.KindCapExceeded, "flow: memcap exhausted, no flow available")
	}

	f.Tuple = tuple
	f.protoMap = MapProto(tuple.IPProto)
	f.LastTS = now
	if t.emergency.Load() {
		f.Flags |= FlagEmergency
	}
	b.pushFront(f)
	t.liveCount.Add(1)

	f.mu.Lock()
	b.mu.Unlock()

	t.onPacket(f, ToServer, pkt, now)
	return &FlowHandle{flow: f, direction: ToServer, created: true}, nil
}

// onPacket applies seen-flag maintenance and state transition rules. The
// caller holds f's lock.
func (t *Table) onPacket(f *Flow, dir Direction, pkt PacketView, now time.Time) {
	f.LastTS = now

	update := pkt.ShouldUpdateSeen()
	if dir == ToServer && update {
		f.Flags |= FlagToDstSeen
	} else if dir == ToClient && update {
		f.Flags |= FlagToSrcSeen
	}

	wasEstablished := f.State == StateEstablished
	if f.Flags&FlagToDstSeen != 0 && f.Flags&FlagToSrcSeen != 0 && f.State == StateNew {
		f.State = StateEstablished
	}

	if sf := t.protos.stateFunc(MapProto(f.Tuple.IPProto)); sf != nil {
		f.State = sf(f.ProtoCtx, f.Flags)
	}

	if t.onEstablish != nil && !wasEstablished && f.State == StateEstablished {
		t.onEstablish(f.Tuple, now)
	}
}

// ResolveDirection applies the direction-resolution rule standalone, for
// callers that need it without going through GetOrCreate.
func ResolveDirection(f *Flow, pkt PacketView) Direction {
	if matched, dir := f.Tuple.matches(pkt.Tuple()); matched {
		return dir
	}
	return ToServer
}

// drain tears down every live flow in the table, invoking each one's
// registered protocol free callback via pool.release: it walks every
// bucket and clears and frees every flow. Callers must ensure no worker
// is still calling GetOrCreate concurrently.
func (t *Table) drain() {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		f := b.head
		for f != nil {
			next := f.hnext
			tuple := f.Tuple
			f.mu.Lock()
			b.unlink(f)
			f.mu.Unlock()
			t.pool.release(f)
			t.liveCount.Add(-1)
			if t.onEvict != nil {
				t.onEvict(tuple)
			}
			f = next
		}
		b.mu.Unlock()
	}
}

// Destroy drains every bucket (see drain) and then tears down the spare
// queue and zeroes flow_memuse: shutdown must destroy the bucket locks
// and the spare queue and leave flow_memuse at 0. Callers must ensure no
// worker is still calling GetOrCreate concurrently; the Table must not be
// used again afterward.
func (t *Table) Destroy() {
	t.drain()
	t.pool.destroyAll()
	t.buckets = nil
}

// emergencyClearThreshold returns the occupancy, in bytes, the engine must
// fall back under for emergency mode to clear: (100 - recovery) percent
// of memcap.
func emergencyClearThreshold(memcap uint64, recoveryPercent int) uint64 {
	if recoveryPercent < 1 || recoveryPercent > 100 {
		recoveryPercent = 30
	}
	keep := 100 - recoveryPercent
	return memcap * uint64(keep) / 100
}
