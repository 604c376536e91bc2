package assign

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"canmap/internal/bus"
	"canmap/internal/quirks"
	"canmap/internal/scan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testTimeout = 30 * time.Millisecond

func newReassigner(ch bus.ByteChannel) (*Reassigner, *bus.Transport) {
	tr := bus.NewTransport(ch, testLogger())
	prober := scan.NewProber(tr, quirks.Identity{}, testTimeout, testLogger())
	return NewReassigner(tr, prober, quirks.Identity{}, testTimeout, testLogger()), tr
}

func clusterOf(addrs ...uint8) scan.Cluster {
	return scan.Cluster{Members: addrs, Representative: addrs[0]}
}

func TestExecuteCommitsCleanly(t *testing.T) {
	dev := &bus.SimDevice{Low: 8, High: 11}
	sim := bus.NewSimBus(dev)
	r, _ := newReassigner(sim)

	plan := &Plan{Cluster: clusterOf(8, 9, 10, 11), Source: 8, Target: 1, Status: StatusPending}
	if err := r.Execute(plan); err != nil {
		t.Fatal(err)
	}
	if plan.Status != StatusCommitted {
		t.Fatalf("status = %s (%s), want committed", plan.Status, plan.Error)
	}
	if plan.PartialCommit {
		t.Error("clean device flagged partial commit")
	}
	if plan.Cluster.Representative != 1 {
		t.Errorf("representative = %d, want 1", plan.Cluster.Representative)
	}
	if got := r.CommittedTargets(); len(got) != 1 || got[0] != 1 {
		t.Errorf("committed targets = %v, want [1]", got)
	}
}

func TestExecutePartialCommit(t *testing.T) {
	dev := &bus.SimDevice{Low: 8, High: 10, HoldsOldRange: true}
	sim := bus.NewSimBus(dev)
	r, _ := newReassigner(sim)

	plan := &Plan{Cluster: clusterOf(8, 9, 10), Source: 8, Target: 2, Status: StatusPending}
	if err := r.Execute(plan); err != nil {
		t.Fatal(err)
	}
	if plan.Status != StatusCommitted {
		t.Fatalf("status = %s (%s), want committed", plan.Status, plan.Error)
	}
	if !plan.PartialCommit {
		t.Error("device holding its old range not flagged partial commit")
	}
}

func TestExecuteUniquenessGuard(t *testing.T) {
	sim := bus.NewSimBus(&bus.SimDevice{Low: 8, High: 8})
	r, _ := newReassigner(sim)
	r.Reserve(3)

	plan := &Plan{Cluster: clusterOf(8), Source: 8, Target: 3, Status: StatusPending}
	if err := r.Execute(plan); err != nil {
		t.Fatal(err)
	}
	if plan.Status != StatusFailed {
		t.Fatalf("status = %s, want failed on target collision", plan.Status)
	}
}

// A channel failure during commit must leave the device reachable at its
// original address.
func TestExecuteRollbackOnCommitFailure(t *testing.T) {
	dev := &bus.SimDevice{Low: 12, High: 12}
	sim := bus.NewSimBus(dev)
	failed := false
	sim.WriteHook = func(p []byte) error {
		if !failed && len(p) > 2 && p[2] == bus.CmdTypeSetAddress {
			failed = true
			return errors.New("adapter hiccup")
		}
		return nil
	}
	r, tr := newReassigner(sim)

	plan := &Plan{Cluster: clusterOf(12), Source: 12, Target: 4, Status: StatusPending}
	err := r.Execute(plan)
	var te *bus.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if plan.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", plan.Status)
	}

	// The original address must still answer a probe.
	frames, err := tr.Request(bus.EncodeEnable(12), testTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) == 0 {
		t.Fatal("original address silent after rollback")
	}
	if got := r.CommittedTargets(); len(got) != 0 {
		t.Errorf("committed targets = %v, want none", got)
	}
}

func TestExecuteVerifyFailure(t *testing.T) {
	// The device accepts the address change command but the sim drops the
	// set-address frame, so the target never comes alive.
	dev := &bus.SimDevice{Low: 7, High: 7}
	sim := bus.NewSimBus(dev)
	sim.WriteHook = func(p []byte) error {
		if len(p) > 2 && p[2] == bus.CmdTypeSetAddress {
			// Swallow the frame: write succeeds, device never sees it.
			copy(p, bytes.Repeat([]byte{0x00}, len(p)))
		}
		return nil
	}
	r, _ := newReassigner(sim)

	plan := &Plan{Cluster: clusterOf(7), Source: 7, Target: 5, Status: StatusPending}
	if err := r.Execute(plan); err != nil {
		t.Fatal(err)
	}
	if plan.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", plan.Status)
	}
	if plan.Error == "" {
		t.Error("failed plan carries no error")
	}
}

func TestExecuteRefusesNonPendingPlan(t *testing.T) {
	sim := bus.NewSimBus(&bus.SimDevice{Low: 8, High: 8})
	r, _ := newReassigner(sim)
	plan := &Plan{Cluster: clusterOf(8), Source: 8, Target: 1, Status: StatusCommitted}
	if err := r.Execute(plan); err == nil {
		t.Fatal("expected error executing a terminal plan")
	}
}
