// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIsCommutativeOverDirectionSwap(t *testing.T) {
	fwd := Tuple{
		SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2),
		SrcPort: 1234, DstPort: 80, IPProto: ipProtoTCP,
	}
	rev := Tuple{
		SrcAddr: addr4(10, 0, 0, 2), DstAddr: addr4(10, 0, 0, 1),
		SrcPort: 80, DstPort: 1234, IPProto: ipProtoTCP,
	}

	const rand = 0xdeadbeefcafef00d
	const size = 4096
	assert.Equal(t, hash(fwd, rand, size), hash(rev, rand, size))
}

func TestHashDistinguishesDifferentFlows(t *testing.T) {
	a := Tuple{SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2), SrcPort: 1, DstPort: 2, IPProto: ipProtoTCP}
	b := Tuple{SrcAddr: addr4(10, 0, 0, 1), DstAddr: addr4(10, 0, 0, 2), SrcPort: 1, DstPort: 3, IPProto: ipProtoTCP}

	const rand = 0x1234
	const size = 65536
	// Not a strict guarantee for every pair, but true for this pair and
	// documents the intent: differing ports should (almost always) land in
	// different buckets at this size.
	assert.NotEqual(t, hash(a, rand, size), hash(b, rand, size))
}

func TestBucketPushFrontAndUnlink(t *testing.T) {
	var b Bucket
	f1, f2, f3 := &Flow{}, &Flow{}, &Flow{}

	b.pushFront(f1)
	b.pushFront(f2)
	b.pushFront(f3)

	assert.Same(t, f3, b.head)

	b.unlink(f2)
	assert.Same(t, f3, b.head)
	assert.Same(t, f1, f3.hnext)
	assert.Nil(t, f1.hnext)
}
