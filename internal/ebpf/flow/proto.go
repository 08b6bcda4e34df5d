// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"time"

	"github.com/flowguard/flowcore/internal/config"
)

// Default timeout constants, seconds. UDP and ICMP have no "closed"
// concept; their Closed fields are ignored.
const (
	DefaultNewDefault   = 30
	DefaultEstDefault   = 300
	DefaultClosedDefault = 0

	TCPNewDefault   = 60
	TCPEstDefault   = 3600
	TCPClosedDefault = 10

	UDPNewDefault = 30
	UDPEstDefault = 180

	ICMPNewDefault = 30
	ICMPEstDefault = 30

	// Emergency timeouts are a fraction of the normal ones; shorter values
	// let the reclaimer recover memory faster under pressure.
	emergencyFraction = 4
)

// StateFunc derives a flow's lifecycle State from its protocol context.
// For TCP this is externally supplied: a callback plugged in from the
// protocol context.
type StateFunc func(protoCtx any, flags Flags) State

// FreeFunc releases protocol-specific state owned by a flow. It must not
// free the flow itself.
type FreeFunc func(protoCtx any)

// ProtoTimeouts holds the six timeout values assigned to one protocol
// slot: {new, established, closed} x {normal, emergency}.
type ProtoTimeouts struct {
	New             uint32
	Established     uint32
	Closed          uint32
	EmergencyNew         uint32
	EmergencyEstablished uint32
	EmergencyClosed      uint32
}

// protoEntry is one slot of the proto table.
type protoEntry struct {
	timeouts  ProtoTimeouts
	freeFunc  FreeFunc
	stateFunc StateFunc
}

// ProtoTable is the per-protocol timeout/callback policy table, a fixed
// array of protoMapCount entries written once at init and read without
// locking thereafter -- the same discipline as the config store.
type ProtoTable struct {
	entries [protoMapCount]protoEntry
}

// NewProtoTable returns a ProtoTable initialized to the compile-time
// defaults.
func NewProtoTable() *ProtoTable {
	t := &ProtoTable{}
	t.entries[ProtoDefault].timeouts = defaultTimeouts(DefaultNewDefault, DefaultEstDefault, DefaultClosedDefault)
	t.entries[ProtoTCP].timeouts = defaultTimeouts(TCPNewDefault, TCPEstDefault, TCPClosedDefault)
	t.entries[ProtoUDP].timeouts = defaultTimeouts(UDPNewDefault, UDPEstDefault, 0)
	t.entries[ProtoICMP].timeouts = defaultTimeouts(ICMPNewDefault, ICMPEstDefault, 0)
	return t
}

func defaultTimeouts(newT, estT, closedT uint32) ProtoTimeouts {
	return ProtoTimeouts{
		New:                  newT,
		Established:          estT,
		Closed:               closedT,
		EmergencyNew:         max1(newT / emergencyFraction),
		EmergencyEstablished: max1(estT / emergencyFraction),
		EmergencyClosed:      closedT / emergencyFraction,
	}
}

func max1(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	if v < 1 {
		return 1
	}
	return v
}

// LoadFromConfig overrides compile-time defaults from config keys
// flow-timeouts.<proto>.{new,established,closed,emergency-new,
// emergency-established,emergency-closed}. Missing keys keep their
// current value; a present-but-unparsable value is logged by the caller
// and otherwise ignored, a recoverable config error.
func (t *ProtoTable) LoadFromConfig(store *config.Store) []error {
	var errs []error
	protoNames := map[ProtoMap]string{
		ProtoDefault: "default",
		ProtoTCP:     "tcp",
		ProtoUDP:     "udp",
		ProtoICMP:    "icmp",
	}

	for pm, name := range protoNames {
		e := &t.entries[pm].timeouts
		load := func(suffix string, dst *uint32) {
			key := fmt.Sprintf("flow-timeouts.%s.%s", name, suffix)
			v, ok := store.GetInt(key)
			if !ok {
				if raw, present := store.Get(key); present {
					errs = append(errs, fmt.Errorf("config: %s must be an integer, got %q", key, raw))
				}
				return
			}
			if v <= 0 {
				errs = append(errs, fmt.Errorf("config: %s must be a positive integer, got %d", key, v))
				return
			}
			*dst = uint32(v)
		}
		load("new", &e.New)
		load("established", &e.Established)
		load("closed", &e.Closed)
		load("emergency-new", &e.EmergencyNew)
		load("emergency-established", &e.EmergencyEstablished)
		load("emergency-closed", &e.EmergencyClosed)
	}
	return errs
}

// SetProtoTimeout overrides the normal-mode timeouts for proto.
func (t *ProtoTable) SetProtoTimeout(proto ProtoMap, newT, est, closed uint32) {
	e := &t.entries[proto].timeouts
	e.New, e.Established, e.Closed = newT, est, closed
}

// SetProtoEmergencyTimeout overrides the emergency-mode timeouts for proto.
func (t *ProtoTable) SetProtoEmergencyTimeout(proto ProtoMap, newT, est, closed uint32) {
	e := &t.entries[proto].timeouts
	e.EmergencyNew, e.EmergencyEstablished, e.EmergencyClosed = newT, est, closed
}

// SetProtoFreeFunc registers fn as proto's free callback. Other slots are
// untouched.
func (t *ProtoTable) SetProtoFreeFunc(proto ProtoMap, fn FreeFunc) {
	t.entries[proto].freeFunc = fn
}

// SetFlowStateFunc registers fn as proto's state-derivation callback.
func (t *ProtoTable) SetFlowStateFunc(proto ProtoMap, fn StateFunc) {
	t.entries[proto].stateFunc = fn
}

func (t *ProtoTable) freeFunc(proto ProtoMap) FreeFunc   { return t.entries[proto].freeFunc }
func (t *ProtoTable) stateFunc(proto ProtoMap) StateFunc { return t.entries[proto].stateFunc }

// Timeouts returns proto's current timeout policy.
func (t *ProtoTable) Timeouts(proto ProtoMap) ProtoTimeouts {
	return t.entries[proto].timeouts
}

// effectiveTimeout returns the timeout, in seconds, that applies to a
// flow in the given state and protocol under the current emergency mode.
func (t *ProtoTable) effectiveTimeout(proto ProtoMap, state State, emergency bool) time.Duration {
	e := t.entries[proto].timeouts
	var secs uint32
	switch state {
	case StateNew:
		if emergency {
			secs = e.EmergencyNew
		} else {
			secs = e.New
		}
	case StateEstablished:
		if emergency {
			secs = e.EmergencyEstablished
		} else {
			secs = e.Established
		}
	case StateClosed:
		if emergency {
			secs = e.EmergencyClosed
		} else {
			secs = e.Closed
		}
	}
	return time.Duration(secs) * time.Second
}
