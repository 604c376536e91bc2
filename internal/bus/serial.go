package bus

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialChannel is a ByteChannel over a serial-CAN adapter (USB CDC or FTDI).
// The RobStride-style adapters run 921600 8N1.
type SerialChannel struct {
	port serial.Port
	name string
}

// OpenSerial opens the adapter port.
func OpenSerial(portName string, baud int) (*SerialChannel, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return &SerialChannel{port: port, name: portName}, nil
}

func (s *SerialChannel) Write(p []byte) error {
	n, err := s.port.Write(p)
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("serial write: short write %d/%d", n, len(p))
	}
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("serial drain: %w", err)
	}
	return nil
}

func (s *SerialChannel) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	if maxWait < time.Millisecond {
		maxWait = time.Millisecond
	}
	if err := s.port.SetReadTimeout(maxWait); err != nil {
		return nil, fmt.Errorf("serial set timeout: %w", err)
	}
	buf := make([]byte, 256)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("serial read: %w", err)
	}
	return buf[:n], nil
}

// DiscardInput drops any bytes sitting in the adapter's input buffer.
func (s *SerialChannel) DiscardInput() error {
	return s.port.ResetInputBuffer()
}

func (s *SerialChannel) Close() error {
	return s.port.Close()
}
