// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// flowSize is the per-flow contribution to flow_memuse: flow_memuse
// equals the sum of sizeof(Flow) for every live flow plus hash_size x
// sizeof(Bucket).
const flowSize = uint64(unsafe.Sizeof(Flow{}))

// pool owns the spare queue of cleared, reusable flows and the atomic
// memcap accounting that gates every allocation.
type pool struct {
	mu     sync.Mutex
	head   *Flow
	length int

	memcap  uint64
	memuse  uint64 // atomic
	prealloc int

	protos *ProtoTable
}

func newPool(memcap uint64, prealloc int, protos *ProtoTable, bucketOverhead uint64) *pool {
	p := &pool{memcap: memcap, prealloc: prealloc, protos: protos}
	atomic.AddUint64(&p.memuse, bucketOverhead)
	return p
}

// memUse returns the current flow_memuse counter.
func (p *pool) memUse() uint64 {
	return atomic.LoadUint64(&p.memuse)
}

// wouldFit reports whether allocating n additional bytes keeps flow_memuse
// at or under memcap.
func (p *pool) wouldFit(n uint64) bool {
	return p.memUse()+n <= p.memcap
}

// usageRatio returns memuse/memcap as a float in [0, +inf).
func (p *pool) usageRatio() float64 {
	if p.memcap == 0 {
		return 0
	}
	return float64(p.memUse()) / float64(p.memcap)
}

// dequeue pops one flow off the spare queue, or returns nil if it's empty.
func (p *pool) dequeue() *Flow {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.head
	if f == nil {
		return nil
	}
	p.head = f.lnext
	if p.head != nil {
		p.head.lprev = nil
	}
	f.lnext, f.lprev = nil, nil
	p.length--
	return f
}

// enqueue pushes a cleared flow onto the spare queue.
func (p *pool) enqueue(f *Flow) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f.lprev = nil
	f.lnext = p.head
	if p.head != nil {
		p.head.lprev = f
	}
	p.head = f
	p.length++
}

func (p *pool) spareLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length
}

// acquire tries the spare queue first, then allocates fresh subject to
// the memcap, else reports exhaustion.
func (p *pool) acquire() (*Flow, bool) {
	if f := p.dequeue(); f != nil {
		return f, true
	}

	if !p.wouldFit(flowSize) {
		return nil, false
	}
	atomic.AddUint64(&p.memuse, flowSize)
	return &Flow{}, true
}

// release clears f and returns it to the spare queue. If the queue now
// exceeds prealloc, the flow is instead freed and memuse decremented.
func (p *pool) release(f *Flow) {
	f.clear(p.protos)

	if p.spareLen() >= p.prealloc {
		atomic.AddUint64(&p.memuse, -flowSize)
		return
	}
	p.enqueue(f)
}

// destroyAll drains the spare queue without refilling it and zeroes
// flow_memuse entirely, including the bucket-array overhead folded in at
// construction: after shutdown, flow_memuse must read 0.
func (p *pool) destroyAll() {
	p.mu.Lock()
	p.head = nil
	p.length = 0
	p.mu.Unlock()

	atomic.StoreUint64(&p.memuse, 0)
}

// updateSpareFlows brings the spare queue length toward prealloc: it
// allocates up to the deficit (subject to the memcap) or frees down to
// the surplus.
func (p *pool) updateSpareFlows() {
	for p.spareLen() < p.prealloc {
		if !p.wouldFit(flowSize) {
			break
		}
		atomic.AddUint64(&p.memuse, flowSize)
		p.enqueue(&Flow{})
	}

	for p.spareLen() > p.prealloc {
		f := p.dequeue()
		if f == nil {
			break
		}
		atomic.AddUint64(&p.memuse, -flowSize)
	}
}
