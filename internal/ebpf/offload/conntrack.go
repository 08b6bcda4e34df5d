// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"fmt"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"github.com/flowguard/flowcore/internal/ebpf/flow"
	"github.com/flowguard/flowcore/internal/logging"
)

// ConntrackReconciler periodically diffs the flow table's live tuple set
// against the kernel's netlink conntrack table. It is read-only: it never
// writes a conntrack entry and never feeds a discrepancy back into the
// flow table. Its only output is a discrepancy count and a log line -- a
// diagnostic aid for a soft-state cache, not a correctness dependency.
type ConntrackReconciler struct {
	conn   *conntrack.Conn
	logger *logging.Logger
}

// NewConntrackReconciler opens a netlink conntrack socket. Returns an
// error if the kernel doesn't expose NFNL_SUBSYS_CTNETLINK (e.g. running
// in a container without CAP_NET_ADMIN) -- callers are expected to treat
// that as "reconciliation unavailable", not fatal, since the flow engine
// never depends on it.
func NewConntrackReconciler(logger *logging.Logger) (*ConntrackReconciler, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("offload: conntrack dial: %w", err)
	}
	return &ConntrackReconciler{conn: conn, logger: logger}, nil
}

// Close releases the netlink socket.
func (r *ConntrackReconciler) Close() error {
	return r.conn.Close()
}

// Reconcile dumps the kernel conntrack table and reports how many of
// live's tuples have no matching kernel entry. A nonzero count usually
// means the kernel aged out a connection the flow table still considers
// live (or vice versa for asymmetric paths); it is logged, never acted on.
func (r *ConntrackReconciler) Reconcile(live []flow.Tuple) (missing int, err error) {
	flows, err := r.conn.Dump(nil)
	if err != nil {
		return 0, fmt.Errorf("offload: conntrack dump: %w", err)
	}

	seen := make(map[string]struct{}, len(flows))
	for _, f := range flows {
		seen[conntrackKey(f)] = struct{}{}
	}

	for _, t := range live {
		if _, ok := seen[tupleKey(t)]; !ok {
			missing++
		}
	}

	if missing > 0 {
		r.logger.Debug("offload: conntrack reconciliation discrepancy",
			"missing", missing, "live_total", len(live), "kernel_total", len(flows),
			"family_v4", netfilterFamily(false), "family_v6", netfilterFamily(true))
	}
	return missing, nil
}

func tupleKey(t flow.Tuple) string {
	return fmt.Sprintf("%s:%d-%s:%d/%d", t.SrcAddr.IP(), t.SrcPort, t.DstAddr.IP(), t.DstPort, t.IPProto)
}

func conntrackKey(f conntrack.Flow) string {
	tup := f.TupleOrig
	return fmt.Sprintf("%s:%d-%s:%d/%d",
		tup.IP.SourceAddress, tup.Proto.SourcePort,
		tup.IP.DestinationAddress, tup.Proto.DestinationPort,
		tup.Proto.Protocol)
}

// netfilterFamily reports the netfilter address family for an IP proto's
// tuple, kept here only so this file exercises github.com/ti-mo/netfilter
// directly rather than solely through ti-mo/conntrack's internal use of it.
func netfilterFamily(v6 bool) netfilter.ProtoFamily {
	if v6 {
		return netfilter.ProtoIPv6
	}
	return netfilter.ProtoIPv4
}
