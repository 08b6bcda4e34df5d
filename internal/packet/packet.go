// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet adapts github.com/google/gopacket decoded packets to the
// flow package's narrow PacketView interface. Decoding itself -- pulling
// layers off the wire, reassembly, application-layer parsing -- stays an
// external collaborator; this package only reads the layers a caller has
// already decoded.
package packet

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowguard/flowcore/internal/ebpf/flow"
)

// icmpv4DestUnreachable and friends are the ICMPv4 error-message type
// codes that must not refresh a flow's seen flags: an ICMP error quoting
// an existing conversation's headers is not itself evidence that
// conversation is still alive.
const (
	icmpv4DestUnreachable = 3
	icmpv4SourceQuench    = 4
	icmpv4Redirect        = 5
	icmpv4TimeExceeded    = 11
	icmpv4ParamProblem    = 12
)

// View wraps a decoded gopacket.Packet as a flow.PacketView.
type View struct {
	pkt gopacket.Packet
	ts  time.Time
}

// NewView builds a View from a decoded packet. If pkt carries no capture
// timestamp, now is used instead.
func NewView(pkt gopacket.Packet, now time.Time) *View {
	ts := now
	if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts = md.Timestamp
	}
	return &View{pkt: pkt, ts: ts}
}

// Timestamp implements flow.PacketView.
func (v *View) Timestamp() time.Time { return v.ts }

// Tuple implements flow.PacketView, extracting the endpoint identity from
// whichever of IPv4/IPv6 + TCP/UDP/ICMPv4 layers are present. A packet
// with neither a supported network nor transport layer yields the zero
// Tuple; callers are expected to have already filtered those out.
func (v *View) Tuple() flow.Tuple {
	var t flow.Tuple

	if ip4 := v.pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		l := ip4.(*layers.IPv4)
		t.SrcAddr = flow.AddrFromSlice(l.SrcIP.To4())
		t.DstAddr = flow.AddrFromSlice(l.DstIP.To4())
		t.IPProto = uint8(l.Protocol)
	} else if ip6 := v.pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		l := ip6.(*layers.IPv6)
		t.SrcAddr = flow.AddrFromSlice(l.SrcIP.To16())
		t.DstAddr = flow.AddrFromSlice(l.DstIP.To16())
		t.IPProto = uint8(l.NextHeader)
	}

	if tcp := v.pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		l := tcp.(*layers.TCP)
		t.SrcPort = uint16(l.SrcPort)
		t.DstPort = uint16(l.DstPort)
	} else if udp := v.pkt.Layer(layers.LayerTypeUDP); udp != nil {
		l := udp.(*layers.UDP)
		t.SrcPort = uint16(l.SrcPort)
		t.DstPort = uint16(l.DstPort)
	}

	if dot1q := v.pkt.Layer(layers.LayerTypeDot1Q); dot1q != nil {
		l := dot1q.(*layers.Dot1Q)
		t.VLAN[0] = l.VLANIdentifier
	}

	return t
}

// ShouldUpdateSeen implements flow.PacketView: false for ICMPv4 error
// messages, true otherwise.
func (v *View) ShouldUpdateSeen() bool {
	icmp := v.pkt.Layer(layers.LayerTypeICMPv4)
	if icmp == nil {
		return true
	}
	l := icmp.(*layers.ICMPv4)
	switch l.TypeCode.Type() {
	case icmpv4DestUnreachable, icmpv4SourceQuench, icmpv4Redirect, icmpv4TimeExceeded, icmpv4ParamProblem:
		return false
	default:
		return true
	}
}
