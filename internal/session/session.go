// Package session orchestrates a full discovery run: scan, optional physical
// identification, sequential reassignment, report assembly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canmap/internal/assign"
	"canmap/internal/bus"
	"canmap/internal/scan"
	"canmap/internal/store"
)

// Config holds session policy on top of the scan policy.
type Config struct {
	Policy scan.Policy

	// TargetStart is the first address considered when allocating unique
	// targets; allocation is monotonic from here.
	TargetStart uint8

	// SentinelLow/High bound the final range: a single-address cluster whose
	// representative already lies inside it is considered uniquely assigned
	// and is left alone. Low > High disables the range.
	SentinelLow  uint8
	SentinelHigh uint8

	// CmdTimeout bounds each raw reassignment command exchange.
	CmdTimeout time.Duration

	// IdentifyPulses is how many jog pulses each cluster gets when an
	// identifier is attached. Zero skips identification.
	IdentifyPulses int

	// DryRun builds and reports plans without executing them. After the
	// scan no frame that changes device state is sent; every plan stays
	// pending.
	DryRun bool
}

// DefaultConfig mirrors the bench setup: targets allocated from 1, the
// assigned block 1-31 treated as final.
func DefaultConfig() Config {
	return Config{
		Policy:         scan.DefaultPolicy(),
		TargetStart:    1,
		SentinelLow:    1,
		SentinelHigh:   31,
		CmdTimeout:     300 * time.Millisecond,
		IdentifyPulses: 0,
	}
}

// Session owns one discovery run. All state is created per session and
// discarded with it; nothing survives into the next run except what the
// store keeps. The session is the single logical owner of the bus for its
// lifetime: every step runs on one sequential control flow.
type Session struct {
	tr         *bus.Transport
	scanner    *scan.Scanner
	reassigner *assign.Reassigner
	identifier *scan.Identifier
	prompt     func(scan.Cluster) (string, bool)
	st         store.Store
	events     *EventBus
	logger     *slog.Logger
	cfg        Config
}

// New creates a session. The reassigner's uniqueness guard should already be
// seeded (Reserve) with any persisted assignments the caller wants honored.
func New(tr *bus.Transport, scanner *scan.Scanner, reassigner *assign.Reassigner, cfg Config, logger *slog.Logger) *Session {
	return &Session{
		tr:         tr,
		scanner:    scanner,
		reassigner: reassigner,
		events:     NewEventBus(logger),
		logger:     logger.With("component", "session"),
		cfg:        cfg,
	}
}

// WithIdentifier attaches the physical identifier and the operator prompt.
func (s *Session) WithIdentifier(id *scan.Identifier, prompt func(scan.Cluster) (string, bool)) *Session {
	s.identifier = id
	s.prompt = prompt
	return s
}

// WithStore attaches persistence for committed assignments and the report.
func (s *Session) WithStore(st store.Store) *Session {
	s.st = st
	return s
}

// Events returns the session's event bus.
func (s *Session) Events() *EventBus { return s.events }

// Run executes the session. The report is always returned, reflecting
// whatever was committed before any failure or cancellation; the error is
// non-nil only for a transport failure or cancellation.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		report.FramingDrops = s.tr.FramingDrops()
		reflectCommits(report)
		s.persist(report)
		s.events.Emit(Event{Type: EventReport, Data: report})
		s.logger.Info("session finished", "summary", report.Summary())
	}()

	s.events.Emit(Event{Type: EventSessionState, Data: "scanning"})
	s.scanner.OnProbe = func(pr scan.ProbeResult) {
		s.events.Emit(Event{Type: EventProbe, Data: pr})
	}

	res, err := s.scanner.Scan(ctx, s.cfg.Policy)
	if res != nil {
		report.Clusters = res.Clusters
		report.PassiveAddrs = res.PassiveAddrs
		report.UnmappedBytes = res.UnmappedBytes
	}
	if err != nil {
		return report, s.recordFailure(report, err)
	}
	for _, c := range report.Clusters {
		s.events.Emit(Event{Type: EventClusterFound, Data: c})
	}

	if s.identifier != nil && s.prompt != nil && s.cfg.IdentifyPulses > 0 {
		s.events.Emit(Event{Type: EventSessionState, Data: "identifying"})
		prompt := func(c scan.Cluster) (string, bool) {
			s.events.Emit(Event{Type: EventIdentify, Data: c})
			return s.prompt(c)
		}
		if err := s.identifier.Bind(ctx, report.Clusters, s.cfg.IdentifyPulses, prompt); err != nil {
			return report, s.recordFailure(report, err)
		}
	}

	report.Plans = s.buildPlans(report.Clusters)
	if s.cfg.DryRun {
		for _, p := range report.Plans {
			s.events.Emit(Event{Type: EventPlanUpdate, Data: p})
		}
		s.events.Emit(Event{Type: EventSessionState, Data: "done"})
		return report, nil
	}

	s.events.Emit(Event{Type: EventSessionState, Data: "reassigning"})
	for i := range report.Plans {
		if err := ctx.Err(); err != nil {
			return report, s.recordFailure(report, err)
		}
		plan := &report.Plans[i]
		err := s.reassigner.Execute(plan)
		s.events.Emit(Event{Type: EventPlanUpdate, Data: *plan})
		if err != nil {
			// Channel failure: remaining plans stay pending, the report
			// covers what was committed.
			return report, s.recordFailure(report, err)
		}
	}

	report.OverlapWarnings = overlapWarnings(report)
	s.events.Emit(Event{Type: EventSessionState, Data: "done"})
	return report, nil
}

// recordFailure classifies the abort cause into the report.
func (s *Session) recordFailure(report *Report, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		report.Cancelled = true
		s.logger.Warn("session cancelled")
		return err
	}
	var te *bus.TransportError
	if errors.As(err, &te) {
		report.TransportFailure = te.Error()
	} else {
		report.TransportFailure = err.Error()
	}
	s.logger.Error("session aborted", "err", err)
	return err
}

// buildPlans creates one pending plan per cluster that is not already on a
// unique final address, allocating session-unique targets monotonically.
func (s *Session) buildPlans(clusters []scan.Cluster) []assign.Plan {
	// Addresses that must not be allocated: everything currently answering,
	// plus targets already taken this session or reserved from the store.
	taken := make(map[uint8]bool)
	for _, c := range clusters {
		for _, m := range c.Members {
			taken[m] = true
		}
	}
	for _, t := range s.reassigner.CommittedTargets() {
		taken[t] = true
	}

	next := int(s.cfg.TargetStart)
	var plans []assign.Plan
	for _, c := range clusters {
		if s.isFinal(c) {
			continue
		}
		target, ok := allocate(&next, taken)
		if !ok {
			s.logger.Error("target address space exhausted", "cluster", c.RangeString())
			plans = append(plans, assign.Plan{
				Cluster: c,
				Source:  c.Representative,
				Status:  assign.StatusFailed,
				Error:   "no free target address",
			})
			continue
		}
		taken[target] = true
		plans = append(plans, assign.Plan{
			Cluster: c,
			Source:  c.Representative,
			Target:  target,
			Status:  assign.StatusPending,
		})
	}
	return plans
}

// isFinal reports whether the cluster already holds a unique final address.
func (s *Session) isFinal(c scan.Cluster) bool {
	if len(c.Members) != 1 {
		return false
	}
	if s.cfg.SentinelLow > s.cfg.SentinelHigh {
		return false
	}
	return c.Representative >= s.cfg.SentinelLow && c.Representative <= s.cfg.SentinelHigh
}

func allocate(next *int, taken map[uint8]bool) (uint8, bool) {
	for ; *next <= 255; *next++ {
		if !taken[uint8(*next)] {
			t := uint8(*next)
			*next++
			return t, true
		}
	}
	return 0, false
}

// reflectCommits copies committed targets back into the cluster list so the
// report's clusters and plans agree on each device's representative.
func reflectCommits(report *Report) {
	for _, p := range report.Plans {
		if p.Status != assign.StatusCommitted {
			continue
		}
		for i := range report.Clusters {
			if report.Clusters[i].RangeString() == p.Cluster.RangeString() {
				report.Clusters[i].Representative = p.Target
				break
			}
		}
	}
}

// overlapWarnings reports clusters sharing addresses after reassignment.
// Overlap is an inconsistency surfaced to the operator, never merged away.
func overlapWarnings(report *Report) []string {
	// Effective occupancy per plan: the target, plus the original range when
	// the commit was partial.
	type span struct {
		name  string
		addrs map[uint8]bool
	}
	var spans []span
	planned := make(map[string]bool)
	for _, p := range report.Plans {
		planned[p.Cluster.RangeString()] = true
		if p.Status != assign.StatusCommitted {
			continue
		}
		sp := span{name: fmt.Sprintf("cluster %s -> %d", p.Cluster.RangeString(), p.Target), addrs: map[uint8]bool{p.Target: true}}
		if p.PartialCommit {
			for _, m := range p.Cluster.Members {
				sp.addrs[m] = true
			}
		}
		spans = append(spans, sp)
	}
	// Clusters left in place keep their ranges.
	for _, c := range report.Clusters {
		if planned[c.RangeString()] {
			continue
		}
		sp := span{name: "cluster " + c.RangeString(), addrs: make(map[uint8]bool)}
		for _, m := range c.Members {
			sp.addrs[m] = true
		}
		spans = append(spans, sp)
	}

	var warnings []string
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			for a := range spans[i].addrs {
				if spans[j].addrs[a] {
					warnings = append(warnings, fmt.Sprintf("%s overlaps %s at address %d", spans[i].name, spans[j].name, a))
					break
				}
			}
		}
	}
	return warnings
}

// persist saves committed assignments and the report itself.
func (s *Session) persist(report *Report) {
	if s.st == nil {
		return
	}
	for _, p := range report.Committed() {
		a := &store.Assignment{
			Address:     p.Target,
			Label:       p.Cluster.Label,
			SourceRange: p.Cluster.RangeString(),
			Partial:     p.PartialCommit,
			AssignedAt:  time.Now().UTC(),
		}
		if err := s.st.SaveAssignment(a); err != nil {
			s.logger.Error("save assignment", "addr", p.Target, "err", err)
		}
	}
	key := report.StartedAt.Format(time.RFC3339)
	if err := s.st.SaveReport(key, report); err != nil {
		s.logger.Error("save report", "key", key, "err", err)
	}
}
