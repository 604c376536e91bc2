package scan

import (
	"context"
	"log/slog"
	"time"

	"canmap/internal/bus"
	"canmap/internal/quirks"
)

// Identifier drives a short, bounded jog pulse per cluster so an operator can
// bind a cluster to a physical unit. It is read-only correlation: no
// configuration is touched, and it can be skipped entirely in automated runs.
type Identifier struct {
	tr      *bus.Transport
	mapping quirks.Mapping
	logger  *slog.Logger

	// PulseSpeed is the jog speed in [-1, 1]. Kept low: the pulse only needs
	// to be visible.
	PulseSpeed    float64
	PulseDuration time.Duration
	PulseGap      time.Duration
}

// NewIdentifier builds an identifier with the bench pulse timing.
func NewIdentifier(tr *bus.Transport, mapping quirks.Mapping, logger *slog.Logger) *Identifier {
	return &Identifier{
		tr:            tr,
		mapping:       mapping,
		logger:        logger.With("component", "identify"),
		PulseSpeed:    0.08,
		PulseDuration: 400 * time.Millisecond,
		PulseGap:      300 * time.Millisecond,
	}
}

// Pulse nudges the cluster's representative address: enable, load params,
// then the requested number of jog on/off cycles, then disable. Jog frames
// get no reply; only transport failures surface.
func (i *Identifier) Pulse(ctx context.Context, c Cluster, pulses int) error {
	wire := i.mapping.ToWire(c.Representative)
	const cmdTimeout = 200 * time.Millisecond

	if _, err := i.tr.Request(bus.EncodeEnable(wire), cmdTimeout); err != nil {
		return err
	}
	if _, err := i.tr.Request(bus.EncodeLoadParams(wire), cmdTimeout); err != nil {
		return err
	}
	for n := 0; n < pulses; n++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if _, err := i.tr.Request(bus.EncodeJog(wire, i.PulseSpeed, true), cmdTimeout); err != nil {
			return err
		}
		sleep(ctx, i.PulseDuration)
		if _, err := i.tr.Request(bus.EncodeJog(wire, 0, false), cmdTimeout); err != nil {
			return err
		}
		sleep(ctx, i.PulseGap)
	}
	_, err := i.tr.Request(bus.EncodeDisable(wire), cmdTimeout)
	return err
}

// Bind pulses each cluster in turn and asks prompt for its physical label.
// Returning ok=false from prompt skips the cluster; labels land directly on
// the clusters.
func (i *Identifier) Bind(ctx context.Context, clusters []Cluster, pulses int, prompt func(Cluster) (string, bool)) error {
	for idx := range clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := clusters[idx]
		i.logger.Info("pulsing cluster", "range", c.RangeString())
		if err := i.Pulse(ctx, c, pulses); err != nil {
			return err
		}
		if label, ok := prompt(c); ok {
			clusters[idx].Label = label
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
