package bus

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeChannel replays scripted responses to writes.
type fakeChannel struct {
	pending  []byte
	stale    []byte
	writes   [][]byte
	onWrite  func(p []byte) ([]byte, error)
	readErr  error
	discards int
}

func (c *fakeChannel) Write(p []byte) error {
	c.writes = append(c.writes, append([]byte(nil), p...))
	if c.onWrite != nil {
		resp, err := c.onWrite(p)
		if err != nil {
			return err
		}
		c.pending = append(c.pending, resp...)
	}
	return nil
}

func (c *fakeChannel) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *fakeChannel) DiscardInput() error {
	c.discards++
	c.pending = nil
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestReturnsDecodedFrames(t *testing.T) {
	ch := &fakeChannel{
		onWrite: func(p []byte) ([]byte, error) {
			return EncodeEnable(0x08), nil
		},
	}
	tr := NewTransport(ch, testLogger())

	frames, err := tr.Request(EncodeEnable(0x08), 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].AddrByte() != 0x08 {
		t.Errorf("addr = 0x%02X, want 0x08", frames[0].AddrByte())
	}
}

func TestRequestDrainsStaleInputFirst(t *testing.T) {
	ch := &fakeChannel{
		stale: EncodeEnable(0x55),
		onWrite: func(p []byte) ([]byte, error) {
			return EncodeEnable(0x08), nil
		},
	}
	ch.pending = ch.stale
	tr := NewTransport(ch, testLogger())

	frames, err := tr.Request(EncodeEnable(0x08), 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ch.discards != 1 {
		t.Errorf("discards = %d, want 1", ch.discards)
	}
	for _, f := range frames {
		if f.AddrByte() == 0x55 {
			t.Error("stale frame leaked into the response")
		}
	}
}

func TestRequestTimesOutSilently(t *testing.T) {
	ch := &fakeChannel{}
	tr := NewTransport(ch, testLogger())

	start := time.Now()
	frames, err := tr.Request(EncodeEnable(0x10), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %d, want 0", len(frames))
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want ~50ms wait", elapsed)
	}
}

func TestRequestQuiescenceCutoff(t *testing.T) {
	ch := &fakeChannel{
		onWrite: func(p []byte) ([]byte, error) {
			return EncodeEnable(0x01), nil
		},
	}
	tr := NewTransport(ch, testLogger())

	start := time.Now()
	if _, err := tr.Request(EncodeEnable(0x01), time.Second); err != nil {
		t.Fatal(err)
	}
	// One frame plus quiescence should end far before the full timeout.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("request took %v, expected early quiescence exit", elapsed)
	}
}

func TestRequestWriteFailureIsTransportError(t *testing.T) {
	ch := &fakeChannel{
		onWrite: func(p []byte) ([]byte, error) {
			return nil, errors.New("unplugged")
		},
	}
	tr := NewTransport(ch, testLogger())

	_, err := tr.Request(EncodeEnable(0x01), 100*time.Millisecond)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Op != "write" {
		t.Errorf("op = %q, want write", te.Op)
	}
}

func TestReadFailureIsTransportError(t *testing.T) {
	ch := &fakeChannel{readErr: errors.New("gone")}
	tr := NewTransport(ch, testLogger())

	_, err := tr.Listen(50 * time.Millisecond)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestClosedTransportRefusesOperations(t *testing.T) {
	tr := NewTransport(&fakeChannel{}, testLogger())
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Request(EncodeEnable(0x01), time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("request on closed transport: err = %v, want ErrClosed", err)
	}
	if _, err := tr.Listen(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("listen on closed transport: err = %v, want ErrClosed", err)
	}
}

func TestListenCollectsDelayedFrames(t *testing.T) {
	sim := NewSimBus(&SimDevice{Low: 9, High: 9})
	sim.Contentious = true
	sim.ListenDelay = 30 * time.Millisecond
	// Wake a higher-priority device first so the next reply is deferred.
	sim.lowestWoken = 1
	tr := NewTransport(sim, testLogger())

	frames, err := tr.Request(EncodeEnable(0x09), 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("suppressed device answered the active probe: %v", frames)
	}

	frames, err = tr.Listen(100 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].AddrByte() != 0x09 {
		t.Fatalf("listen frames = %v, want one from 0x09", frames)
	}
}
