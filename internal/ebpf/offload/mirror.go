// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload mirrors flow-table state into kernel-visible stores for
// hardware/XDP offload and cross-checks it against the kernel's own
// conntrack table. Both operations are best-effort and advisory: neither
// the lookup nor the insert path depends on anything in this package --
// this is not an authoritative connection tracker for packet forwarding.
package offload

import (
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"github.com/flowguard/flowcore/internal/ebpf/flow"
	"github.com/flowguard/flowcore/internal/logging"
)

// MirrorKey is the eBPF map key layout for a mirrored flow: fixed-width
// fields only, no pointers, so it round-trips through the kernel map.
type MirrorKey struct {
	SrcAddr [16]byte
	DstAddr [16]byte
	SrcPort uint16
	DstPort uint16
	IPProto uint8
	_       [3]byte // padding to keep the struct's size stable across compilers
}

// MirrorValue is the eBPF map value layout: enough to let an XDP program
// make a fast-path forwarding decision without touching the Go-side table.
type MirrorValue struct {
	Verdict  uint8
	_        [7]byte
	LastSeen uint64 // unix nanoseconds
}

func keyFromTuple(t flow.Tuple) MirrorKey {
	return MirrorKey{
		SrcAddr: [16]byte(t.SrcAddr),
		DstAddr: [16]byte(t.DstAddr),
		SrcPort: t.SrcPort,
		DstPort: t.DstPort,
		IPProto: t.IPProto,
	}
}

// Mirror pushes established-flow summaries into an *ebpf.Map so an XDP or
// TC program can short-circuit packets for flows the Go-side table has
// already classified.
type Mirror struct {
	m      *ebpf.Map
	logger *logging.Logger
	mu     sync.Mutex
}

// NewMirror wraps an already-loaded eBPF map. m is expected to be an
// LRU hash keyed by MirrorKey; a nil map makes every method a no-op, so
// callers that never attach a map pay nothing -- offload is optional,
// gated by flow.enable-offload.
func NewMirror(m *ebpf.Map, logger *logging.Logger) *Mirror {
	return &Mirror{m: m, logger: logger}
}

// Enabled reports whether a kernel map is attached.
func (mr *Mirror) Enabled() bool { return mr.m != nil }

// Put mirrors one flow's current state into the kernel map. Called by
// the flow engine's mirror worker whenever a flow transitions to
// ESTABLISHED (evictions go through Evict) -- never from the
// GetOrCreate/lookup path.
func (mr *Mirror) Put(t flow.Tuple, verdict uint8, lastSeen time.Time) error {
	if mr.m == nil {
		return nil
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()

	key := keyFromTuple(t)
	val := MirrorValue{Verdict: verdict, LastSeen: uint64(lastSeen.UnixNano())}
	if err := mr.m.Update(&key, &val, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("offload: mirror put: %w", err)
	}
	return nil
}

// Evict removes a flow's kernel-side mirror entry. A missing-key error is
// swallowed: evicting twice, or evicting a flow that was never mirrored,
// is not a failure.
func (mr *Mirror) Evict(t flow.Tuple) {
	if mr.m == nil {
		return
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()

	key := keyFromTuple(t)
	if err := mr.m.Delete(&key); err != nil {
		mr.logger.Debug("offload: mirror evict miss", "error", err)
	}
}
