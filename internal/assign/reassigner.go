// Package assign moves a device cluster to a unique persistent address, with
// verification and best-effort rollback.
package assign

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"canmap/internal/bus"
	"canmap/internal/quirks"
	"canmap/internal/scan"
)

// Status is a reassignment plan's lifecycle state. Committed, RolledBack and
// Failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDisabling  Status = "disabling"
	StatusCommitting Status = "committing"
	StatusVerifying  Status = "verifying"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Plan moves one cluster from its current (possibly shared) range to a
// unique target address. Created by the session; state transitions are driven
// only by the Reassigner.
type Plan struct {
	Cluster scan.Cluster `json:"cluster"`
	Source  uint8        `json:"source"`
	Target  uint8        `json:"target"`
	Status  Status       `json:"status"`

	// PartialCommit records that the target answers but some address of the
	// original range did not go silent. The plan still counts as committed;
	// the old range is not safe to reuse until the operator intervenes.
	PartialCommit bool   `json:"partial_commit,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Reassigner executes plans sequentially over one transport. It keeps the
// session's running set of committed targets to guarantee no two plans land
// on the same address.
type Reassigner struct {
	tr         *bus.Transport
	prober     *scan.Prober
	mapping    quirks.Mapping
	logger     *slog.Logger
	cmdTimeout time.Duration
	committed  map[uint8]bool
}

// NewReassigner builds a reassigner. cmdTimeout bounds each raw command
// exchange; verification probes use the prober's own timeout.
func NewReassigner(tr *bus.Transport, prober *scan.Prober, mapping quirks.Mapping, cmdTimeout time.Duration, logger *slog.Logger) *Reassigner {
	return &Reassigner{
		tr:         tr,
		prober:     prober,
		mapping:    mapping,
		logger:     logger.With("component", "assign"),
		cmdTimeout: cmdTimeout,
		committed:  make(map[uint8]bool),
	}
}

// CommittedTargets lists targets committed so far, ascending.
func (r *Reassigner) CommittedTargets() []uint8 {
	out := make([]uint8, 0, len(r.committed))
	for a := range r.committed {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reserve marks a target as taken without executing a plan. Used to seed the
// uniqueness guard from a persisted address map.
func (r *Reassigner) Reserve(target uint8) {
	r.committed[target] = true
}

// Execute drives one plan to a terminal state. A returned error is always a
// transport failure, fatal to the surrounding session; every per-plan
// failure mode lands in the plan itself.
func (r *Reassigner) Execute(plan *Plan) error {
	if plan.Status != StatusPending {
		return fmt.Errorf("plan %s: execute on %s plan", plan.Cluster.RangeString(), plan.Status)
	}
	// Uniqueness guard: refuse to overwrite a prior assignment.
	if r.committed[plan.Target] {
		plan.Status = StatusFailed
		plan.Error = fmt.Sprintf("target %d already committed this session", plan.Target)
		r.logger.Warn("target collision", "target", plan.Target, "cluster", plan.Cluster.RangeString())
		return nil
	}

	r.logger.Info("reassigning", "cluster", plan.Cluster.RangeString(), "source", plan.Source, "target", plan.Target)

	if err := r.disableRange(plan); err != nil {
		plan.Status = StatusFailed
		plan.Error = err.Error()
		return err
	}
	if err := r.commit(plan); err != nil {
		r.rollback(plan, err)
		return err
	}
	if err := r.verify(plan); err != nil {
		return err
	}
	if plan.Status == StatusCommitted {
		r.committed[plan.Target] = true
	}
	return nil
}

// disableRange silences every member of the source cluster, not just the
// representative: any member left enabled could keep answering the old range
// later.
func (r *Reassigner) disableRange(plan *Plan) error {
	plan.Status = StatusDisabling
	for _, member := range plan.Cluster.Members {
		wire := r.mapping.ToWire(member)
		if _, err := r.tr.Request(bus.EncodeDisable(wire), r.cmdTimeout); err != nil {
			return err
		}
	}
	return nil
}

// commit sends the address change to the source and persists it at the
// target, where the device listens once the change applies.
func (r *Reassigner) commit(plan *Plan) error {
	plan.Status = StatusCommitting
	srcWire := r.mapping.ToWire(plan.Source)
	tgtWire := r.mapping.ToWire(plan.Target)
	if _, err := r.tr.Request(bus.EncodeSetAddress(srcWire, tgtWire), r.cmdTimeout); err != nil {
		return err
	}
	if _, err := r.tr.Request(bus.EncodePersist(tgtWire), r.cmdTimeout); err != nil {
		return err
	}
	return nil
}

// rollback re-enables the source address after a channel failure mid-commit,
// so the device stays reachable where it was instead of being stranded in an
// undefined state. Best effort: a reply moves the plan to RolledBack, silence
// leaves it Failed.
func (r *Reassigner) rollback(plan *Plan, cause error) {
	plan.Status = StatusFailed
	plan.Error = cause.Error()
	r.logger.Warn("commit failed, rolling back", "cluster", plan.Cluster.RangeString(), "err", cause)

	srcWire := r.mapping.ToWire(plan.Source)
	frames, err := r.tr.Request(bus.EncodeEnable(srcWire), r.cmdTimeout)
	if err == nil && len(frames) > 0 {
		_, _ = r.tr.Request(bus.EncodeDisable(srcWire), r.cmdTimeout)
		plan.Status = StatusRolledBack
		r.logger.Info("rollback confirmed, device still at source", "source", plan.Source)
	}
}

// verify probes the target with the full two-step check, then re-probes the
// original range for stragglers. The returned error is a transport failure
// only; verification outcomes land in the plan.
func (r *Reassigner) verify(plan *Plan) error {
	plan.Status = StatusVerifying

	pr, err := r.prober.Probe(plan.Target)
	if err != nil {
		plan.Status = StatusFailed
		plan.Error = err.Error()
		return err
	}
	if !pr.Responded {
		plan.Status = StatusFailed
		plan.Error = fmt.Sprintf("target %d silent after address change", plan.Target)
		// The change may not have taken; try to leave the device reachable
		// at its old address.
		srcWire := r.mapping.ToWire(plan.Source)
		_, _ = r.tr.Request(bus.EncodeEnable(srcWire), r.cmdTimeout)
		_, _ = r.tr.Request(bus.EncodeDisable(srcWire), r.cmdTimeout)
		r.logger.Warn("verification failed", "target", plan.Target, "err", plan.Error)
		return nil
	}

	for _, member := range plan.Cluster.Members {
		if member == plan.Target {
			continue
		}
		mpr, err := r.prober.Probe(member)
		if err != nil {
			plan.Status = StatusFailed
			plan.Error = err.Error()
			return err
		}
		if mpr.Responded {
			// The target works but the old range is still live. Committed,
			// with the caveat surfaced in the report.
			plan.PartialCommit = true
			r.logger.Warn("old range still answering", "member", member, "cluster", plan.Cluster.RangeString())
		}
	}

	plan.Status = StatusCommitted
	plan.Cluster.Representative = plan.Target
	r.logger.Info("reassignment committed", "cluster", plan.Cluster.RangeString(), "target", plan.Target, "partial", plan.PartialCommit)
	return nil
}
