// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "time"

// reclaim walks the hash circularly starting at the persisted prune
// index, visiting buckets until it has evicted maxEvict flows or has
// walked the whole table once, and reports how many flows it evicted. It
// never blocks on a flow lock held by a worker -- it uses try-lock
// semantics and skips flows it can't immediately lock or whose use_cnt is
// nonzero.
func (t *Table) reclaim(maxEvict int) int {
	if maxEvict <= 0 {
		maxEvict = 1
	}

	evicted := 0
	now := t.clock.Now()
	emergency := t.emergency.Load()

	for visited := uint32(0); visited < t.size && evicted < maxEvict; visited++ {
		idx := t.pruneIdx.Add(1) - 1
		idx %= t.size
		b := &t.buckets[idx]

		evicted += t.reclaimBucket(b, now, emergency, maxEvict-evicted)
	}

	if emergency {
		t.maybeClearEmergency(int(t.emergencyRecovery.Load()))
	}

	return evicted
}

// reclaimBucket evicts expired, unretained flows from a single bucket and
// returns how many it evicted.
func (t *Table) reclaimBucket(b *Bucket, now time.Time, emergency bool, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	f := b.head
	for f != nil && evicted < limit {
		next := f.hnext

		if t.isExpired(f, now, emergency) {
			if f.mu.TryLock() {
				if f.useCount() == 0 {
					tuple := f.Tuple
					b.unlink(f)
					t.liveCount.Add(-1)
					f.mu.Unlock()
					t.pool.release(f)
					if t.onEvict != nil {
						t.onEvict(tuple)
					}
					evicted++
					f = next
					continue
				}
				f.mu.Unlock()
			}
			// Couldn't evict right now (retained or briefly contended);
			// it remains a candidate on the next pass.
		}
		f = next
	}
	return evicted
}

func (t *Table) isExpired(f *Flow, now time.Time, emergency bool) bool {
	state := f.State
	if sf := t.protos.stateFunc(MapProto(f.Tuple.IPProto)); sf != nil {
		state = sf(f.ProtoCtx, f.Flags)
	}
	timeout := t.protos.effectiveTimeout(MapProto(f.Tuple.IPProto), state, emergency)
	elapsed := now.Sub(f.LastTS)
	return elapsed >= timeout
}

// maybeClearEmergency clears the emergency flag once occupancy has fallen
// back under (100 - recoveryPercent)% of memcap.
func (t *Table) maybeClearEmergency(recoveryPercent int) {
	threshold := emergencyClearThreshold(t.pool.memcap, recoveryPercent)
	if t.pool.memUse() < threshold {
		t.emergency.Store(false)
	}
}
