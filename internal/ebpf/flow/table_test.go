// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowcore/internal/clock"
	flowerrors "github.com/flowguard/flowcore/internal/errors"
)

func newTestTable(t *testing.T, memcap uint64, prealloc int) (*Table, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	protos := NewProtoTable()
	tbl, err := NewTable(TableConfig{HashSize: 16, Memcap: memcap, Prealloc: prealloc}, protos, mc)
	require.NoError(t, err)
	return tbl, mc
}

func TestNewTableRejectsMemcapBelowBuckets(t *testing.T) {
	protos := NewProtoTable()
	_, err := NewTable(TableConfig{HashSize: 65536, Memcap: 1, Prealloc: 0}, protos, nil)
	assert.Error(t, err)
}

func TestGetOrCreateMissThenHit(t *testing.T) {
	tbl, mc := newTestTable(t, 1<<20, 0)

	pkt := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, ipProtoTCP, mc.Now())
	h1, err := tbl.GetOrCreate(pkt)
	require.NoError(t, err)
	assert.True(t, h1.Created())
	assert.Equal(t, ToServer, h1.Direction())
	h1.Release()

	assert.EqualValues(t, 1, tbl.LiveCount())

	h2, err := tbl.GetOrCreate(pkt)
	require.NoError(t, err)
	assert.False(t, h2.Created())
	assert.Equal(t, ToServer, h2.Direction())
	h2.Release()

	assert.EqualValues(t, 1, tbl.LiveCount())
}

func TestGetOrCreateReversePacketMatchesSameFlow(t *testing.T) {
	tbl, mc := newTestTable(t, 1<<20, 0)

	fwd := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, ipProtoTCP, mc.Now())
	h1, err := tbl.GetOrCreate(fwd)
	require.NoError(t, err)
	flow1 := h1.Flow()
	h1.Release()

	rev := newFakePacket(addr4(10, 0, 0, 2), addr4(10, 0, 0, 1), 80, 1000, ipProtoTCP, mc.Now())
	h2, err := tbl.GetOrCreate(rev)
	require.NoError(t, err)
	assert.False(t, h2.Created())
	assert.Equal(t, ToClient, h2.Direction())
	assert.Same(t, flow1, h2.Flow())
	h2.Release()

	assert.EqualValues(t, 1, tbl.LiveCount())
}

func TestGetOrCreateEstablishesOnBidirectionalTraffic(t *testing.T) {
	tbl, mc := newTestTable(t, 1<<20, 0)

	fwd := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, ipProtoTCP, mc.Now())
	h1, err := tbl.GetOrCreate(fwd)
	require.NoError(t, err)
	assert.Equal(t, StateNew, h1.Flow().State)
	h1.Release()

	rev := newFakePacket(addr4(10, 0, 0, 2), addr4(10, 0, 0, 1), 80, 1000, ipProtoTCP, mc.Now())
	h2, err := tbl.GetOrCreate(rev)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, h2.Flow().State)
	h2.Release()
}

func TestGetOrCreateCapExhaustedSetsEmergency(t *testing.T) {
	// memcap fits exactly one flow beyond the bucket floor.
	hashSize := 16
	overhead := bucketSize * uint64(hashSize)
	memcap := overhead + flowSize

	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	protos := NewProtoTable()
	tbl, err := NewTable(TableConfig{HashSize: hashSize, Memcap: memcap, Prealloc: 0}, protos, mc)
	require.NoError(t, err)

	p1 := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, ipProtoUDP, mc.Now())
	h1, err := tbl.GetOrCreate(p1)
	require.NoError(t, err)
	h1.Release()

	p2 := newFakePacket(addr4(10, 0, 0, 3), addr4(10, 0, 0, 4), 3, 4, ipProtoUDP, mc.Now())
	_, err = tbl.GetOrCreate(p2)
	require.Error(t, err)
	assert.True(t, tbl.Emergency())
}

func TestGetOrCreateEmergencyShedsNewFlowWhenNoSpareAvailable(t *testing.T) {
	// Same setup as TestGetOrCreateCapExhaustedSetsEmergency: one flow's
	// worth of headroom, no prealloc. Once emergency mode is tripped, a
	// further brand-new flow is shed with KindEmergency rather than
	// reaching the pool's own cap-exhaustion error.
	hashSize := 16
	overhead := bucketSize * uint64(hashSize)
	memcap := overhead + flowSize

	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	protos := NewProtoTable()
	tbl, err := NewTable(TableConfig{HashSize: hashSize, Memcap: memcap, Prealloc: 0}, protos, mc)
	require.NoError(t, err)

	p1 := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, ipProtoUDP, mc.Now())
	h1, err := tbl.GetOrCreate(p1)
	require.NoError(t, err)
	h1.Release()

	p2 := newFakePacket(addr4(10, 0, 0, 3), addr4(10, 0, 0, 4), 3, 4, ipProtoUDP, mc.Now())
	_, err = tbl.GetOrCreate(p2)
	require.Error(t, err)
	require.True(t, tbl.Emergency())

	p3 := newFakePacket(addr4(10, 0, 0, 5), addr4(10, 0, 0, 6), 5, 6, ipProtoUDP, mc.Now())
	_, err = tbl.GetOrCreate(p3)
	require.Error(t, err)
	assert.Equal(t, flowerrors.KindEmergency, flowerrors.GetKind(err))
}

func TestDestroyZeroesMemUse(t *testing.T) {
	tbl, mc := newTestTable(t, 1<<20, 4)
	tbl.pool.updateSpareFlows()

	pkt := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, ipProtoTCP, mc.Now())
	h, err := tbl.GetOrCreate(pkt)
	require.NoError(t, err)
	h.Release()

	assert.Greater(t, tbl.MemUse(), uint64(0))

	tbl.Destroy()

	assert.EqualValues(t, 0, tbl.MemUse())
	assert.EqualValues(t, 0, tbl.LiveCount())
}

func TestLiveTuplesListsResidentFlows(t *testing.T) {
	tbl, mc := newTestTable(t, 1<<20, 0)

	p1 := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, ipProtoUDP, mc.Now())
	h1, err := tbl.GetOrCreate(p1)
	require.NoError(t, err)
	h1.Release()

	p2 := newFakePacket(addr4(10, 0, 0, 3), addr4(10, 0, 0, 4), 3, 4, ipProtoUDP, mc.Now())
	h2, err := tbl.GetOrCreate(p2)
	require.NoError(t, err)
	h2.Release()

	tuples := tbl.LiveTuples()
	assert.Len(t, tuples, 2)
	assert.Contains(t, tuples, p1.Tuple())
	assert.Contains(t, tuples, p2.Tuple())
}

func TestResolveDirectionUnmatchedDefaultsToServer(t *testing.T) {
	f := &Flow{Tuple: Tuple{SrcAddr: addr4(1, 1, 1, 1), DstAddr: addr4(2, 2, 2, 2), SrcPort: 1, DstPort: 2, IPProto: ipProtoUDP}}
	pkt := newFakePacket(addr4(9, 9, 9, 9), addr4(8, 8, 8, 8), 5, 6, ipProtoUDP, time.Now())
	assert.Equal(t, ToServer, ResolveDirection(f, pkt))
}
