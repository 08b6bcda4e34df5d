// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "time"

// fakePacket is a minimal PacketView for table/reclaim/manager tests,
// playing the role of the teacher's synthetic fixtures (e.g. the mock VM
// state built by internal/testutil.RequireVM's sibling helpers).
type fakePacket struct {
	tuple     Tuple
	ts        time.Time
	updateSeen bool
}

func newFakePacket(src, dst Addr, sport, dport uint16, proto uint8, ts time.Time) fakePacket {
	return fakePacket{
		tuple: Tuple{SrcAddr: src, DstAddr: dst, SrcPort: sport, DstPort: dport, IPProto: proto},
		ts:    ts,
		updateSeen: true,
	}
}

func (p fakePacket) Tuple() Tuple            { return p.tuple }
func (p fakePacket) Timestamp() time.Time    { return p.ts }
func (p fakePacket) ShouldUpdateSeen() bool  { return p.updateSeen }

func addr4(a, b, c, d byte) Addr {
	return AddrFromSlice([]byte{a, b, c, d})
}
