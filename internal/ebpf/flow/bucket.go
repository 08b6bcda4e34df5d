// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// bucketSize is the per-bucket contribution to flow_memuse:
// hash_size x sizeof(Bucket).
var bucketSize = uint64(unsafe.Sizeof(Bucket{}))

// Bucket is one slot of the flow hash table: a lock and an intrusive list
// head, allocated once at init and never resized.
type Bucket struct {
	mu   sync.Mutex
	head *Flow
}

func (b *Bucket) unlink(f *Flow) {
	if f.hprev != nil {
		f.hprev.hnext = f.hnext
	} else {
		b.head = f.hnext
	}
	if f.hnext != nil {
		f.hnext.hprev = f.hprev
	}
	f.hnext, f.hprev = nil, nil
}

func (b *Bucket) pushFront(f *Flow) {
	f.hprev = nil
	f.hnext = b.head
	if b.head != nil {
		b.head.hprev = f
	}
	b.head = f
}

// hash computes the bucket index for tuple, mixing in rand. The function
// is commutative over the (src<->dst, sp<->dp) swap so a packet and its
// reverse-direction reply always land in the same bucket. rand need not
// make the function cryptographically strong, only resistant to casual
// off-path collision engineering.
func hash(t Tuple, rand uint64, size uint32) uint32 {
	// Each endpoint (address, port) is hashed independently, then combined
	// with XOR -- an operation that doesn't care which operand is "src"
	// and which is "dst", which is what makes the whole function
	// commutative over the direction swap.
	h1 := mixAddrPort(t.SrcAddr, t.SrcPort)
	h2 := mixAddrPort(t.DstAddr, t.DstPort)
	h := h1 ^ h2

	h ^= uint64(t.IPProto) * 0x9e3779b97f4a7c15
	h ^= uint64(t.VLAN[0])<<16 | uint64(t.VLAN[1])
	h ^= rand

	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33

	return uint32(h % uint64(size))
}

func mixAddrPort(a Addr, port uint16) uint64 {
	h := binary.LittleEndian.Uint64(a[0:8]) ^ binary.LittleEndian.Uint64(a[8:16])
	h ^= uint64(port) * 0xc2b2ae3d27d4eb4f
	return h
}
