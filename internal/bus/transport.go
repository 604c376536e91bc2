package bus

import (
	"log/slog"
	"time"
)

const (
	// quiesceInterval is how long the bus must stay silent after at least one
	// complete frame before a request is considered answered.
	quiesceInterval = 20 * time.Millisecond
	// pollInterval is the read granularity while waiting on the channel.
	pollInterval = 5 * time.Millisecond
)

// Transport provides request/response and passive-listen semantics over a
// ByteChannel. It is the single owner of the channel and of the frame
// accumulator; probe, scan and reassignment code never touch the channel
// directly, which keeps the stale-input drain invariant honored on every
// exchange.
//
// The transport is not safe for concurrent use: the bus is a shared
// half-duplex medium and the whole discovery flow is sequential.
type Transport struct {
	ch     ByteChannel
	acc    Accumulator
	logger *slog.Logger
	closed bool
}

// NewTransport wraps a byte channel.
func NewTransport(ch ByteChannel, logger *slog.Logger) *Transport {
	return &Transport{ch: ch, logger: logger.With("component", "bus")}
}

// FramingDrops reports the codec's discard counter.
func (t *Transport) FramingDrops() uint64 { return t.acc.Drops() }

// Request writes a frame and reads until at least one complete frame has been
// decoded and the bus has been quiet for a short interval, or until timeout.
// An empty result with a nil error means the address stayed silent.
func (t *Transport) Request(frame []byte, timeout time.Duration) ([]Frame, error) {
	if t.closed {
		return nil, &TransportError{Op: "request", Err: ErrClosed}
	}
	if err := t.drainStale(); err != nil {
		return nil, &TransportError{Op: "drain", Err: err}
	}
	if err := t.ch.Write(frame); err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}
	return t.collect(timeout, true)
}

// Listen reads passively for the whole window without writing. Used to catch
// delayed responses from devices that lost arbitration during an active pass.
func (t *Transport) Listen(window time.Duration) ([]Frame, error) {
	if t.closed {
		return nil, &TransportError{Op: "listen", Err: ErrClosed}
	}
	return t.collect(window, false)
}

// Close closes the underlying channel. Further operations fail with a
// TransportError.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.ch.Close()
}

// drainStale discards bytes buffered from a previous, unrelated exchange so
// a late echo cannot be attributed to the next probe.
func (t *Transport) drainStale() error {
	t.acc.Reset()
	if d, ok := t.ch.(InputDiscarder); ok {
		return d.DiscardInput()
	}
	for {
		b, err := t.ch.ReadAvailable(0)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return nil
		}
	}
}

// collect reads frames until the deadline. With quiesce set, reading stops
// early once at least one frame has arrived and the bus has gone quiet.
func (t *Transport) collect(timeout time.Duration, quiesce bool) ([]Frame, error) {
	deadline := time.Now().Add(timeout)
	var frames []Frame
	lastData := time.Now()
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return frames, nil
		}
		if quiesce && len(frames) > 0 && now.Sub(lastData) >= quiesceInterval {
			return frames, nil
		}
		wait := pollInterval
		if rem := deadline.Sub(now); rem < wait {
			wait = rem
		}
		b, err := t.ch.ReadAvailable(wait)
		if err != nil {
			return frames, &TransportError{Op: "read", Err: err}
		}
		if len(b) > 0 {
			lastData = time.Now()
			if fs := t.acc.Feed(b); len(fs) > 0 {
				frames = append(frames, fs...)
			}
		}
	}
}
