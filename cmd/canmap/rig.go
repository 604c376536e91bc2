package main

import (
	"fmt"
	"strings"
	"time"

	"canmap/internal/assign"
	"canmap/internal/bus"
	"canmap/internal/quirks"
	"canmap/internal/scan"
	"canmap/internal/session"
	"canmap/internal/store"
)

// rig is the wired-up hardware stack shared by the bus-touching commands.
type rig struct {
	ch         bus.ByteChannel
	tr         *bus.Transport
	mapping    quirks.Mapping
	prober     *scan.Prober
	scanner    *scan.Scanner
	reassigner *assign.Reassigner
	closers    []func() error
}

func (r *rig) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn("close", "err", err)
		}
	}
}

// openChannel opens the configured bus port. A "sim:" prefix selects the
// in-process simulated bus, e.g. "sim:8-15,64".
func openChannel(cfg *Config) (bus.ByteChannel, error) {
	if profile, ok := strings.CutPrefix(cfg.Bus.Port, "sim:"); ok {
		return bus.ParseSimProfile(profile)
	}
	return bus.OpenSerial(cfg.Bus.Port, cfg.Bus.Baud)
}

func buildMapping(cfg *Config) (quirks.Mapping, func() error, error) {
	switch {
	case cfg.Quirks.LuaScript != "":
		m, err := quirks.LoadLuaFile(cfg.Quirks.LuaScript)
		if err != nil {
			return nil, nil, fmt.Errorf("quirks script: %w", err)
		}
		return m, func() error { m.Close(); return nil }, nil
	case len(cfg.Quirks.Table) > 0:
		m, err := quirks.NewTable(cfg.Quirks.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("quirks table: %w", err)
		}
		return m, nil, nil
	default:
		return quirks.Identity{}, nil, nil
	}
}

// buildRig opens the bus, checks the adapter, and wires the full stack.
func buildRig(cfg *Config) (*rig, error) {
	ch, err := openChannel(cfg)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	r := &rig{ch: ch}
	r.closers = append(r.closers, ch.Close)

	mapping, closeMapping, err := buildMapping(cfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	if closeMapping != nil {
		r.closers = append(r.closers, closeMapping)
	}
	r.mapping = mapping

	r.tr = bus.NewTransport(ch, logger)
	if err := handshake(r.tr); err != nil {
		r.Close()
		return nil, err
	}

	policy := cfg.scanPolicy()
	r.prober = scan.NewProber(r.tr, mapping, policy.ProbeTimeout, logger)
	r.scanner = scan.NewScanner(r.prober, r.tr, mapping, logger)
	r.reassigner = assign.NewReassigner(r.tr, r.prober, mapping, duration(cfg.Assign.CmdTimeout), logger)
	return r, nil
}

// handshake verifies the serial adapter answers before any bus traffic.
func handshake(tr *bus.Transport) error {
	frames, err := tr.Request(bus.EncodeAdapterHandshake(), 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("adapter handshake: %w", err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("adapter handshake: no response (wrong port or baud?)")
	}
	logger.Debug("adapter answered handshake")
	return nil
}

// buildSession assembles a session on the rig, seeding the uniqueness guard
// from the persisted address map.
func buildSession(r *rig, st store.Store, sc session.Config) (*session.Session, error) {
	if st != nil {
		assignments, err := st.ListAssignments()
		if err != nil {
			return nil, fmt.Errorf("list assignments: %w", err)
		}
		for _, a := range assignments {
			r.reassigner.Reserve(a.Address)
		}
	}
	s := session.New(r.tr, r.scanner, r.reassigner, sc, logger)
	if st != nil {
		s.WithStore(st)
	}
	return s, nil
}
