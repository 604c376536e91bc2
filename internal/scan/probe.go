// Package scan probes device addresses on the bus and reduces the responses
// into clusters, one per physical device.
package scan

import (
	"log/slog"
	"time"

	"canmap/internal/bus"
	"canmap/internal/quirks"
)

// ProbeResult is the outcome of one probe attempt at one address. Immutable
// once created; the scanner owns them for the duration of a pass.
type ProbeResult struct {
	Address   uint8         `json:"address"`
	Responded bool          `json:"responded"`
	Frame     *bus.Frame    `json:"-"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Prober performs the two-step liveness check against a single address.
type Prober struct {
	tr      *bus.Transport
	mapping quirks.Mapping
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber builds a prober. timeout bounds each of the two request steps.
func NewProber(tr *bus.Transport, mapping quirks.Mapping, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{tr: tr, mapping: mapping, timeout: timeout, logger: logger.With("component", "probe")}
}

// Probe sends enable and, only on a reply, load-params. An address counts as
// responding only when both steps return substantive frames: requiring the
// second step keeps a stray echo from registering as a live device. A
// successful probe ends with a best-effort disable so the device is left
// idle.
//
// The only possible error is a transport failure; a silent address is a
// result, not an error.
func (p *Prober) Probe(addr uint8) (ProbeResult, error) {
	wire := p.mapping.ToWire(addr)
	start := time.Now()

	enableResp, err := p.tr.Request(bus.EncodeEnable(wire), p.timeout)
	if err != nil {
		return ProbeResult{Address: addr, Elapsed: time.Since(start)}, err
	}
	if !substantive(enableResp) {
		return ProbeResult{Address: addr, Elapsed: time.Since(start)}, nil
	}

	paramResp, err := p.tr.Request(bus.EncodeLoadParams(wire), p.timeout)
	if err != nil {
		return ProbeResult{Address: addr, Elapsed: time.Since(start)}, err
	}

	res := ProbeResult{Address: addr, Elapsed: time.Since(start)}
	if substantive(paramResp) {
		res.Responded = true
		res.Frame = &paramResp[0]
		p.logger.Debug("device responded", "addr", addr, "wire", wire, "elapsed", res.Elapsed)
		// Leave the device in a known-idle state; the result is not checked.
		_, _ = p.tr.Request(bus.EncodeDisable(wire), p.timeout/2)
	}
	return res, nil
}

// substantive reports whether at least one frame in the response is more than
// a trivial echo.
func substantive(frames []bus.Frame) bool {
	for _, f := range frames {
		if len(f.Raw) > 4 {
			return true
		}
	}
	return false
}
