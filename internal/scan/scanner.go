package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"canmap/internal/bus"
	"canmap/internal/quirks"
)

// ScanOrder selects the direction of the active pass.
type ScanOrder string

const (
	// OrderDescending probes high addresses first. On a priority-arbitrated
	// bus, low addresses win contention; visiting the low-priority end before
	// the high-priority devices start dominating the bus measurably raises
	// the discovered count. This is the default, not a workaround.
	OrderDescending ScanOrder = "descending"
	OrderAscending  ScanOrder = "ascending"
)

// Policy configures a scan pass.
type Policy struct {
	MinAddr       uint8
	MaxAddr       uint8
	Order         ScanOrder
	MaxRetries    int           // retries per silent address
	RetryBackoff  time.Duration // linear: attempt n waits n*backoff
	ProbeTimeout  time.Duration
	ListenWindow  time.Duration // passive pass after the active sweep
}

// DefaultPolicy mirrors the timing that worked on the bench bus.
func DefaultPolicy() Policy {
	return Policy{
		MinAddr:      1,
		MaxAddr:      127,
		Order:        OrderDescending,
		MaxRetries:   2,
		RetryBackoff: 50 * time.Millisecond,
		ProbeTimeout: 300 * time.Millisecond,
		ListenWindow: 500 * time.Millisecond,
	}
}

func (p Policy) validate() error {
	if p.MaxAddr < p.MinAddr {
		return fmt.Errorf("scan policy: max address %d below min %d", p.MaxAddr, p.MinAddr)
	}
	if p.Order != OrderAscending && p.Order != OrderDescending {
		return fmt.Errorf("scan policy: unknown order %q", p.Order)
	}
	return nil
}

// Result is everything a scan pass learned.
type Result struct {
	Clusters []Cluster
	Probes   []ProbeResult
	// PassiveAddrs lists addresses recovered only by the listen window.
	PassiveAddrs []uint8
	// UnmappedBytes are response address bytes the mapping could not place.
	UnmappedBytes []byte
}

// Scanner drives the prober across an address range and reduces the raw
// results into device clusters.
type Scanner struct {
	prober  *Prober
	tr      *bus.Transport
	mapping quirks.Mapping
	logger  *slog.Logger

	// OnProbe, when set, observes every probe attempt (progress reporting).
	OnProbe func(ProbeResult)
}

// NewScanner builds a scanner sharing the prober's transport.
func NewScanner(prober *Prober, tr *bus.Transport, mapping quirks.Mapping, logger *slog.Logger) *Scanner {
	return &Scanner{prober: prober, tr: tr, mapping: mapping, logger: logger.With("component", "scan")}
}

// Scan runs one active pass over the range, then a passive listen window, and
// groups the responding addresses into clusters. Only a transport failure or
// cancellation aborts it; a fully silent bus returns an empty result.
// Cancellation is honored between probes, never mid-exchange.
func (s *Scanner) Scan(ctx context.Context, policy Policy) (*Result, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}

	res := &Result{}
	active := make(map[uint8]bool)

	order := addressOrder(policy)
	s.logger.Info("scan starting", "range", fmt.Sprintf("%d-%d", policy.MinAddr, policy.MaxAddr), "order", policy.Order)

	for _, addr := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pr, err := s.probeWithRetry(ctx, addr, policy)
		if err != nil {
			return res, err
		}
		res.Probes = append(res.Probes, pr)
		if s.OnProbe != nil {
			s.OnProbe(pr)
		}
		if pr.Responded {
			active[addr] = true
			s.logger.Info("address responded", "addr", addr)
		}
	}

	passive, unmapped, err := s.passivePass(ctx, policy, active)
	if err != nil {
		return res, err
	}
	for a := range passive {
		res.PassiveAddrs = append(res.PassiveAddrs, a)
	}
	res.UnmappedBytes = unmapped

	res.Clusters = reduce(active, passive)
	s.logger.Info("scan complete",
		"responding", len(active)+len(passive),
		"clusters", len(res.Clusters),
		"framing_drops", s.tr.FramingDrops())
	return res, nil
}

// probeWithRetry absorbs transient contention: a silent address is retried
// with linear backoff before being recorded as non-responding.
func (s *Scanner) probeWithRetry(ctx context.Context, addr uint8, policy Policy) (ProbeResult, error) {
	var pr ProbeResult
	for attempt := 0; ; attempt++ {
		var err error
		pr, err = s.prober.Probe(addr)
		if err != nil {
			return pr, err
		}
		if pr.Responded || attempt >= policy.MaxRetries {
			return pr, nil
		}
		wait := time.Duration(attempt+1) * policy.RetryBackoff
		select {
		case <-ctx.Done():
			return pr, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// passivePass listens for delayed responses from devices that lost
// arbitration during the active sweep.
func (s *Scanner) passivePass(ctx context.Context, policy Policy, active map[uint8]bool) (map[uint8]bool, []byte, error) {
	passive := make(map[uint8]bool)
	if policy.ListenWindow <= 0 {
		return passive, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return passive, nil, err
	}
	frames, err := s.tr.Listen(policy.ListenWindow)
	if err != nil {
		return passive, nil, err
	}
	var unmapped []byte
	for _, f := range frames {
		addr, ok := s.mapping.FromWire(f.AddrByte())
		if !ok {
			unmapped = append(unmapped, f.AddrByte())
			s.logger.Warn("unmappable address byte in listen window", "byte", fmt.Sprintf("0x%02X", f.AddrByte()))
			continue
		}
		if addr < policy.MinAddr || addr > policy.MaxAddr {
			continue
		}
		if !active[addr] && !passive[addr] {
			s.logger.Info("address recovered in listen window", "addr", addr)
			passive[addr] = true
		}
	}
	return passive, unmapped, nil
}

func addressOrder(policy Policy) []uint8 {
	n := int(policy.MaxAddr) - int(policy.MinAddr) + 1
	order := make([]uint8, 0, n)
	if policy.Order == OrderAscending {
		for a := int(policy.MinAddr); a <= int(policy.MaxAddr); a++ {
			order = append(order, uint8(a))
		}
		return order
	}
	for a := int(policy.MaxAddr); a >= int(policy.MinAddr); a-- {
		order = append(order, uint8(a))
	}
	return order
}
