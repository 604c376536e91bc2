package bus

// AT wire frame codec for the serial-CAN adapter. Two frame shapes appear on
// the bus, both delimited by CR LF:
//
//	short: 41 54 <type> 07 E8 <addr> <payload 1-2> 0D 0A
//	long:  41 54 <type> 07 E8 <addr> 08 00 <payload 6> 0D 0A
//
// The byte that carries the device address is not interpreted here beyond
// extraction: the byte<->address mapping varies by firmware revision and is
// supplied by the caller (see internal/quirks).

import (
	"bytes"
	"fmt"
)

const (
	frameHdr0 = 0x41 // 'A'
	frameHdr1 = 0x54 // 'T'
	frameTerm0 = 0x0D
	frameTerm1 = 0x0A

	// Arbitration ID bytes used by the adapter for outgoing frames.
	busID0 = 0x07
	busID1 = 0xE8

	// Long-form length marker following the address byte.
	longMark0 = 0x08
	longMark1 = 0x00

	longFrameLen  = 16 // 2 hdr + 1 type + 2 id + 1 addr + 2 mark + 6 payload + 2 term
	shortMinLen   = 7  // 2 hdr + 1 type + 2 id + 2 term (payload may be absent in replies)
	longPayloadLen = 6

	// Bytes kept while searching for a terminator before the accumulator
	// starts discarding. Longest valid frame is 16 bytes.
	maxLookback = 64
)

// FrameKind distinguishes the two observed frame shapes.
type FrameKind uint8

const (
	ShortForm FrameKind = iota
	LongForm
)

func (k FrameKind) String() string {
	if k == LongForm {
		return "long"
	}
	return "short"
}

// Command type bytes, as captured from the adapter traffic. Enable and
// disable share a type and differ in payload.
const (
	CmdTypeControl    byte = 0x00 // enable (01 00) / disable (00 00)
	CmdTypeLoadParams byte = 0x20
	CmdTypeSetAddress byte = 0x30
	CmdTypePersist    byte = 0x70
	CmdTypeJog        byte = 0x90
)

// Jog speed encoding: zero point 0x7FFF, 3283 counts per unit speed.
const (
	jogStopValue = 0x7FFF
	jogSpeedScale = 3283
)

// Frame is one decoded, terminator-delimited unit from the bus.
type Frame struct {
	Kind      FrameKind
	Type      byte   // command/arbitration type byte after the AT header
	AddrField []byte // raw ID bytes as seen on the wire, address byte last
	Payload   []byte
	Raw       []byte
}

// AddrByte returns the single byte that encodes the device address, or 0 if
// the frame was too short to carry one.
func (f Frame) AddrByte() byte {
	if len(f.AddrField) == 0 {
		return 0
	}
	return f.AddrField[len(f.AddrField)-1]
}

// Encode builds a wire frame for the given command type, address byte and
// payload. Payloads up to two bytes use the short form; anything longer uses
// the long form, zero-padded to its fixed six-byte window.
func Encode(cmdType, addrByte byte, payload []byte) []byte {
	if len(payload) <= 2 {
		f := make([]byte, 0, 8+len(payload))
		f = append(f, frameHdr0, frameHdr1, cmdType, busID0, busID1, addrByte)
		f = append(f, payload...)
		return append(f, frameTerm0, frameTerm1)
	}
	f := make([]byte, 0, longFrameLen)
	f = append(f, frameHdr0, frameHdr1, cmdType, busID0, busID1, addrByte, longMark0, longMark1)
	p := payload
	if len(p) > longPayloadLen {
		p = p[:longPayloadLen]
	}
	f = append(f, p...)
	for i := len(p); i < longPayloadLen; i++ {
		f = append(f, 0x00)
	}
	return append(f, frameTerm0, frameTerm1)
}

// EncodeEnable builds the enable command for a device address byte.
func EncodeEnable(addrByte byte) []byte {
	return Encode(CmdTypeControl, addrByte, []byte{0x01, 0x00})
}

// EncodeDisable builds the disable command.
func EncodeDisable(addrByte byte) []byte {
	return Encode(CmdTypeControl, addrByte, []byte{0x00, 0x00})
}

// EncodeLoadParams builds the parameter-load query used as the second probe
// step.
func EncodeLoadParams(addrByte byte) []byte {
	return Encode(CmdTypeLoadParams, addrByte, []byte{0xC4, 0x00, 0x00, 0x00, 0x00, 0x00})
}

// EncodeSetAddress builds the address-change command moving a device from the
// addressed ID to target.
func EncodeSetAddress(addrByte, targetByte byte) []byte {
	return Encode(CmdTypeSetAddress, addrByte, []byte{0x01, targetByte, 0x00, 0x00, 0x00, 0x00})
}

// EncodePersist builds the save-to-flash command making the current
// configuration survive a power cycle.
func EncodePersist(addrByte byte) []byte {
	return Encode(CmdTypePersist, addrByte, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
}

// EncodeJog builds a jog command. speed is in [-1, 1]; run=false commands a
// stop regardless of speed. Used only by the physical identifier pulse.
func EncodeJog(addrByte byte, speed float64, run bool) []byte {
	val := jogStopValue
	flag := byte(0x00)
	if run {
		flag = 0x01
		switch {
		case speed > 0:
			val = 0x8000 + int(speed*jogSpeedScale)
		case speed < 0:
			val = jogStopValue + int(speed*jogSpeedScale)
		}
	}
	return Encode(CmdTypeJog, addrByte, []byte{0x05, 0x70, 0x07, flag, byte(val >> 8), byte(val)})
}

// EncodeAdapterHandshake builds the "AT+AT" adapter liveness check sent once
// before a scan.
func EncodeAdapterHandshake() []byte {
	return []byte{frameHdr0, frameHdr1, 0x2B, frameHdr0, frameHdr1, frameTerm0, frameTerm1}
}

// Accumulator reassembles frames from a byte stream that may deliver them in
// arbitrary chunks, including split and concatenated. Residual bytes of an
// incomplete frame stay buffered for the next Feed.
type Accumulator struct {
	buf   []byte
	drops uint64
}

// Drops reports how many byte sequences were discarded because no terminator
// could match within the lookback window. A framing drop is an observability
// counter, never an error.
func (a *Accumulator) Drops() uint64 { return a.drops }

// Reset discards any buffered partial frame. Used when the transport drains
// stale input before a new exchange.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
}

// Feed appends bytes and extracts all complete frames.
func (a *Accumulator) Feed(p []byte) []Frame {
	a.buf = append(a.buf, p...)
	var frames []Frame
	for {
		f, ok := a.next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

// next tries to cut one complete frame off the front of the buffer.
func (a *Accumulator) next() (Frame, bool) {
	// Align to the AT header, discarding garbage in front of it.
	idx := bytes.Index(a.buf, []byte{frameHdr0, frameHdr1})
	if idx < 0 {
		// Keep a trailing 0x41 that might be the start of a split header.
		keep := 0
		if n := len(a.buf); n > 0 && a.buf[n-1] == frameHdr0 {
			keep = 1
		}
		if len(a.buf) > keep {
			a.drops++
		}
		a.buf = a.buf[len(a.buf)-keep:]
		return Frame{}, false
	}
	if idx > 0 {
		a.drops++
		a.buf = a.buf[idx:]
	}

	end, long := a.findEnd()
	if end < 0 {
		if len(a.buf) > maxLookback {
			// No terminator in sight: drop this header and rescan.
			a.drops++
			a.buf = a.buf[2:]
			return a.next()
		}
		return Frame{}, false
	}

	raw := make([]byte, end)
	copy(raw, a.buf[:end])
	a.buf = a.buf[end:]
	return parseFrame(raw, long), true
}

// findEnd locates the end (exclusive, past the terminator) of the frame at
// the start of the buffer, and whether it is long form. Returns -1 when the
// frame is still incomplete.
func (a *Accumulator) findEnd() (int, bool) {
	// Long form has a fixed length; its payload may legally contain CR LF,
	// so length decides before any terminator scan.
	if len(a.buf) >= 8 && a.buf[6] == longMark0 && a.buf[7] == longMark1 {
		if len(a.buf) < longFrameLen {
			return -1, true
		}
		if a.buf[longFrameLen-2] == frameTerm0 && a.buf[longFrameLen-1] == frameTerm1 {
			return longFrameLen, true
		}
		// Marker without a terminator at the fixed offset: not actually a
		// long frame, fall through to the terminator scan.
	}
	for i := 2; i+1 < len(a.buf); i++ {
		if a.buf[i] == frameTerm0 && a.buf[i+1] == frameTerm1 {
			return i + 2, false
		}
	}
	return -1, false
}

// parseFrame splits a complete raw frame into its fields. Decoding is
// lenient: replies shorter than the nominal layout still come back as frames
// with whatever address bytes were present.
func parseFrame(raw []byte, long bool) Frame {
	f := Frame{Kind: ShortForm, Raw: raw}
	if len(raw) > 2 {
		f.Type = raw[2]
	}
	body := raw[:len(raw)-2] // strip terminator
	if long {
		f.Kind = LongForm
		f.AddrField = body[3:6]
		f.Payload = body[8:]
		return f
	}
	if len(body) > 3 {
		hi := 6
		if hi > len(body) {
			hi = len(body)
		}
		f.AddrField = body[3:hi]
	}
	if len(body) > 6 {
		f.Payload = body[6:]
	}
	return f
}

func (f Frame) String() string {
	return fmt.Sprintf("%s type=0x%02X addr=0x%02X payload=%X", f.Kind, f.Type, f.AddrByte(), f.Payload)
}
