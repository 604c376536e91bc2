// Package bus owns the serial-CAN byte channel: the AT frame codec, the
// request/response transport, and the channel implementations (real serial
// adapter and simulated bus).
package bus

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by channel operations after Close.
var ErrClosed = errors.New("channel closed")

// ByteChannel is the duplex byte stream the transport owns. No assumption is
// made about the underlying medium beyond this contract (USB serial adapter,
// TCP gateway, simulated bus).
type ByteChannel interface {
	// Write sends raw bytes to the bus.
	Write(p []byte) error
	// ReadAvailable returns whatever bytes arrived within maxWait, possibly
	// none. A nil error with an empty result means the wait elapsed quietly.
	ReadAvailable(maxWait time.Duration) ([]byte, error)
	Close() error
}

// InputDiscarder is implemented by channels that can drop buffered input
// without reading it (serial adapters expose this natively).
type InputDiscarder interface {
	DiscardInput() error
}

// TransportError marks the channel itself as unusable. It is fatal to the
// discovery session that hits it; reconnect policy lives outside the core.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
