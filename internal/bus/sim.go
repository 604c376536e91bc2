package bus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimDevice is one simulated controller on a SimBus. Until reassignment it
// answers every wire byte in [Low, High], mirroring the factory-default
// behavior where one physical unit claims a whole sub-range.
type SimDevice struct {
	Low, High uint8
	Label     string

	// HoldsOldRange keeps the old range alive after an address change, which
	// is how a real unit produces a partial commit.
	HoldsOldRange bool

	owned map[uint8]bool
}

func (d *SimDevice) init() {
	d.owned = make(map[uint8]bool)
	for a := int(d.Low); a <= int(d.High); a++ {
		d.owned[uint8(a)] = true
	}
}

func (d *SimDevice) applyTarget(target uint8) {
	if !d.HoldsOldRange {
		d.owned = make(map[uint8]bool)
	}
	d.owned[target] = true
}

// minOwned is the device's lowest live address, its arbitration priority.
func (d *SimDevice) minOwned() int {
	min := 256
	for a := range d.owned {
		if int(a) < min {
			min = int(a)
		}
	}
	return min
}

type simChunk struct {
	data        []byte
	availableAt time.Time
}

// SimBus is an in-process ByteChannel that behaves like a serial-CAN adapter
// with a set of controllers behind it. It reproduces the arbitration quirk
// the scanner is designed around: once a low-address device has been woken,
// it can suppress replies from higher-address devices until a quiet listen
// window lets them through.
type SimBus struct {
	mu      sync.Mutex
	devices []*SimDevice
	parse   Accumulator
	queue   []simChunk
	closed  bool

	// Contentious enables arbitration suppression.
	Contentious bool
	// ListenDelay makes suppressed devices retry their reply once the bus
	// has been quiet that long since the last write, the way a passive
	// listen window catches them on the real bus. Zero drops suppressed
	// replies outright.
	ListenDelay time.Duration
	// WriteHook intercepts writes before the simulated devices see them.
	// Returning an error models a dying adapter.
	WriteHook func(p []byte) error

	deferred    [][]byte // suppressed replies waiting for bus silence
	lastWrite   time.Time
	lowestWoken int // lowest device priority addressed so far, 256 = none
}

// NewSimBus builds a simulated bus.
func NewSimBus(devices ...*SimDevice) *SimBus {
	for _, d := range devices {
		d.init()
	}
	return &SimBus{devices: devices, lowestWoken: 256}
}

// ParseSimProfile parses a profile like "8-15,64" into one simulated device
// per comma-separated range.
func ParseSimProfile(profile string) (*SimBus, error) {
	var devices []*SimDevice
	for _, part := range strings.Split(profile, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, hi = part[:i], part[i+1:]
		}
		l, err := strconv.ParseUint(lo, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("sim profile %q: %w", part, err)
		}
		h, err := strconv.ParseUint(hi, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("sim profile %q: %w", part, err)
		}
		if h < l {
			return nil, fmt.Errorf("sim profile %q: empty range", part)
		}
		devices = append(devices, &SimDevice{Low: uint8(l), High: uint8(h)})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("sim profile %q: no devices", profile)
	}
	return NewSimBus(devices...), nil
}

// Devices exposes the simulated units for assertions.
func (s *SimBus) Devices() []*SimDevice { return s.devices }

func (s *SimBus) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.WriteHook != nil {
		if err := s.WriteHook(p); err != nil {
			return err
		}
	}
	s.lastWrite = time.Now()
	for _, f := range s.parse.Feed(p) {
		s.handleFrame(f)
	}
	return nil
}

func (s *SimBus) handleFrame(f Frame) {
	if f.Type == 0x2B { // adapter handshake, answered by the adapter itself
		s.enqueue([]byte{frameHdr0, frameHdr1, 0x2B, 'O', 'K', frameTerm0, frameTerm1}, 0)
		return
	}
	addr := f.AddrByte()
	dev := s.deviceAt(addr)
	if dev == nil {
		return
	}

	switch f.Type {
	case CmdTypeControl:
		if len(f.Payload) == 0 || f.Payload[0] != 0x01 {
			return // disable: accepted silently
		}
		s.reply(dev, EncodeEnable(addr))
		s.wake(dev)
	case CmdTypeLoadParams:
		s.reply(dev, Encode(CmdTypeLoadParams, addr, []byte{0xC4, 0x01, 0x00, 0x00, 0x00, 0x00}))
		s.wake(dev)
	case CmdTypeSetAddress:
		if len(f.Payload) >= 2 {
			dev.applyTarget(f.Payload[1])
		}
	case CmdTypePersist:
		s.reply(dev, Encode(CmdTypePersist, addr, []byte{0x01}))
	case CmdTypeJog:
		// Motion commands produce no reply on the real bus either.
	}
}

// reply queues a device response, applying the arbitration rule: a device
// loses the bus when a higher-priority (lower address) device has already
// been woken. Lost replies are deferred until bus silence when ListenDelay
// is set.
func (s *SimBus) reply(dev *SimDevice, frame []byte) {
	if s.Contentious && s.lowestWoken < dev.minOwned() {
		if s.ListenDelay > 0 {
			s.deferred = append(s.deferred, frame)
		}
		return
	}
	s.enqueue(frame, 0)
}

func (s *SimBus) wake(dev *SimDevice) {
	if m := dev.minOwned(); m < s.lowestWoken {
		s.lowestWoken = m
	}
}

func (s *SimBus) deviceAt(addr uint8) *SimDevice {
	for _, d := range s.devices {
		if d.owned[addr] {
			return d
		}
	}
	return nil
}

func (s *SimBus) enqueue(data []byte, delay time.Duration) {
	s.queue = append(s.queue, simChunk{data: data, availableAt: time.Now().Add(delay)})
}

func (s *SimBus) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(maxWait)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		var out []byte
		now := time.Now()
		// Quiet bus: suppressed devices get their retry in.
		if len(s.deferred) > 0 && s.ListenDelay > 0 && now.Sub(s.lastWrite) >= s.ListenDelay {
			for _, d := range s.deferred {
				s.enqueue(d, 0)
			}
			s.deferred = nil
		}
		rest := s.queue[:0]
		for _, c := range s.queue {
			if !c.availableAt.After(now) {
				out = append(out, c.data...)
			} else {
				rest = append(rest, c)
			}
		}
		s.queue = rest
		s.mu.Unlock()
		if len(out) > 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *SimBus) DiscardInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Chunks already on the wire are stale; deferred retries have not been
	// transmitted yet and survive the drain.
	s.queue = nil
	return nil
}

func (s *SimBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
