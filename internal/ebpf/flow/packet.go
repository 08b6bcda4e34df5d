// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "time"

// PacketView is the narrow view of a decoded packet the flow table needs
// from the ingress side of a packet decoder. Packet decoding itself is an
// external collaborator; internal/packet implements this interface over
// github.com/google/gopacket layers so the engine never imports a
// decoder.
type PacketView interface {
	// Tuple returns the packet's endpoint identity, in the packet's own
	// (not yet canonicalized) orientation.
	Tuple() Tuple

	// Timestamp returns the packet's capture time, seconds resolution.
	Timestamp() time.Time

	// ShouldUpdateSeen reports whether this packet should update the
	// flow's TO_DST_SEEN/TO_SRC_SEEN bits. False for ICMPv4 error
	// messages.
	ShouldUpdateSeen() bool
}
