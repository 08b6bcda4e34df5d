// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"io"
)

// Stats is a point-in-time snapshot of the flow table's occupancy,
// separate from the live Prometheus registry: a plain struct a caller
// can log or serialize without scraping /metrics.
type Stats struct {
	LiveCount  int64
	SpareCount int
	MemUse     uint64
	Memcap     uint64
	Emergency  bool
	PruneIdx   uint32
}

// Stats returns a Stats snapshot of the table's current state.
func (t *Table) Stats() Stats {
	return Stats{
		LiveCount:  t.liveCount.Load(),
		SpareCount: t.pool.spareLen(),
		MemUse:     t.pool.memUse(),
		Memcap:     t.pool.memcap,
		Emergency:  t.emergency.Load(),
		PruneIdx:   t.pruneIdx.Load(),
	}
}

// LiveTuples returns the tuple of every flow currently resident in the
// table. Intended for periodic diagnostic reconciliation against an
// external source of truth, never for anything on the lookup/insert hot
// path: it locks and walks every bucket in turn.
func (t *Table) LiveTuples() []Tuple {
	tuples := make([]Tuple, 0, t.liveCount.Load())
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for f := b.head; f != nil; f = f.hnext {
			tuples = append(tuples, f.Tuple)
		}
		b.mu.Unlock()
	}
	return tuples
}

// Dump writes a human-readable listing of every live flow to w, one line
// per flow, for diagnostics.
func (t *Table) Dump(w io.Writer) error {
	stats := t.Stats()
	if _, err := fmt.Fprintf(w, "flow table: %d live, %d spare, %d/%d bytes, emergency=%v\n",
		stats.LiveCount, stats.SpareCount, stats.MemUse, stats.Memcap, stats.Emergency); err != nil {
		return err
	}

	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for f := b.head; f != nil; f = f.hnext {
			f.mu.Lock()
			_, err := fmt.Fprintf(w, "  bucket=%d proto=%d %v:%d <-> %v:%d state=%s flags=%#x use_cnt=%d last_ts=%s\n",
				i, f.Tuple.IPProto, f.Tuple.SrcAddr, f.Tuple.SrcPort, f.Tuple.DstAddr, f.Tuple.DstPort,
				f.State, uint32(f.Flags), f.useCount(), f.LastTS.Format("2006-01-02T15:04:05Z07:00"))
			f.mu.Unlock()
			if err != nil {
				b.mu.Unlock()
				return err
			}
		}
		b.mu.Unlock()
	}
	return nil
}
