package session

import (
	"fmt"
	"time"

	"canmap/internal/assign"
	"canmap/internal/scan"
)

// Report is a session's final output: every address range attempted, the
// fate of every plan, and the data-quality warnings, never a bare pass/fail
// count. Immutable once the session ends.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Clusters []scan.Cluster `json:"clusters"`
	Plans    []assign.Plan  `json:"plans"`

	// PassiveAddrs were recovered only by the passive listen window.
	PassiveAddrs []uint8 `json:"passive_addrs,omitempty"`
	// UnmappedBytes are wire address bytes the configured mapping could not
	// place on any logical address.
	UnmappedBytes []byte `json:"unmapped_bytes,omitempty"`
	// OverlapWarnings name clusters found to share addresses after
	// reassignment: an inconsistency to report, never to merge away.
	OverlapWarnings []string `json:"overlap_warnings,omitempty"`

	FramingDrops uint64 `json:"framing_drops"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	// TransportFailure is set when the session died to a channel failure;
	// the report still covers everything committed before it.
	TransportFailure string `json:"transport_failure,omitempty"`
}

// Committed returns the plans that reached Committed.
func (r *Report) Committed() []assign.Plan {
	var out []assign.Plan
	for _, p := range r.Plans {
		if p.Status == assign.StatusCommitted {
			out = append(out, p)
		}
	}
	return out
}

// Summary is a one-line digest for logs.
func (r *Report) Summary() string {
	var ambiguous, partial, failed int
	for _, c := range r.Clusters {
		if c.Ambiguous {
			ambiguous++
		}
	}
	for _, p := range r.Plans {
		if p.PartialCommit {
			partial++
		}
		if p.Status == assign.StatusFailed || p.Status == assign.StatusRolledBack {
			failed++
		}
	}
	return fmt.Sprintf("clusters=%d committed=%d failed=%d ambiguous=%d partial=%d cancelled=%v",
		len(r.Clusters), len(r.Committed()), failed, ambiguous, partial, r.Cancelled)
}
