package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"canmap/internal/assign"
	"canmap/internal/scan"
	"canmap/internal/store"
)

var flagLabel string

var assignCmd = &cobra.Command{
	Use:   "assign <range> <target>",
	Short: "Manually renumber one address range",
	Long: `Renumber a single unit without a full scan, e.g. after plugging in
one known factory unit:

  canmap assign 8-15 3 --label spindle`,
	Args: cobra.ExactArgs(2),
	RunE: runAssign,
}

func init() {
	assignCmd.Flags().StringVarP(&flagLabel, "label", "l", "", "label stored with the new address")
}

func parseRange(s string) (low, high uint8, err error) {
	lowStr, highStr, split := strings.Cut(s, "-")
	l, err := strconv.ParseUint(lowStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q: %w", s, err)
	}
	h := l
	if split {
		h, err = strconv.ParseUint(highStr, 10, 8)
		if err != nil {
			return 0, 0, fmt.Errorf("bad range %q: %w", s, err)
		}
	}
	if l < 1 || h < l {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	return uint8(l), uint8(h), nil
}

func runAssign(cmd *cobra.Command, args []string) error {
	low, high, err := parseRange(args[0])
	if err != nil {
		return err
	}
	target64, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil || target64 < 1 {
		return fmt.Errorf("bad target %q", args[1])
	}
	target := uint8(target64)

	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	assignments, err := st.ListAssignments()
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Address != target {
			r.reassigner.Reserve(a.Address)
		}
	}

	// Verify the range actually answers before touching it.
	pr, err := r.prober.Probe(low)
	if err != nil {
		return err
	}
	if !pr.Responded {
		return fmt.Errorf("no response at address %d", low)
	}

	members := make([]uint8, 0, int(high)-int(low)+1)
	for a := low; ; a++ {
		members = append(members, a)
		if a == high {
			break
		}
	}
	plan := &assign.Plan{
		Cluster: scan.Cluster{Members: members, Representative: low, Label: flagLabel},
		Source:  low,
		Target:  target,
		Status:  assign.StatusPending,
	}

	execErr := r.reassigner.Execute(plan)
	fmt.Printf("cluster %s -> %d: %s", plan.Cluster.RangeString(), plan.Target, plan.Status)
	if plan.PartialCommit {
		fmt.Print(" (old range still answering)")
	}
	if plan.Error != "" {
		fmt.Printf(" (%s)", plan.Error)
	}
	fmt.Println()
	if execErr != nil {
		return execErr
	}

	if plan.Status == assign.StatusCommitted {
		return st.SaveAssignment(&store.Assignment{
			Address:     target,
			Label:       flagLabel,
			SourceRange: plan.Cluster.RangeString(),
			Partial:     plan.PartialCommit,
			AssignedAt:  time.Now().UTC(),
		})
	}
	return nil
}
