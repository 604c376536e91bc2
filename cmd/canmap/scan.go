package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"canmap/internal/assign"
	"canmap/internal/scan"
	"canmap/internal/session"
	"canmap/internal/store"
)

var (
	flagIdentify bool
	flagOrder    string
	flagDryRun   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the bus and renumber every discovered unit",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&flagIdentify, "identify", "i", false, "pulse each cluster and prompt for a label before renumbering")
	scanCmd.Flags().StringVar(&flagOrder, "order", "", "probe order: descending or ascending")
	scanCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "scan and report only, change nothing")
}

func runScan(cmd *cobra.Command, args []string) error {
	if flagOrder != "" {
		cfg.Scan.Order = flagOrder
		if err := cfg.validate(); err != nil {
			return err
		}
	}

	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	var st store.Store
	if !flagDryRun {
		bolt, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer bolt.Close()
		st = bolt
	}

	sc := cfg.sessionConfig()
	sc.DryRun = flagDryRun
	if flagIdentify {
		sc.IdentifyPulses = cfg.Identify.Pulses
	}

	sess, err := buildSession(r, st, sc)
	if err != nil {
		return err
	}
	if flagIdentify {
		sess.WithIdentifier(scan.NewIdentifier(r.tr, r.mapping, logger), promptLabel)
	}

	sess.Events().On(session.EventClusterFound, func(e session.Event) {
		if c, ok := e.Data.(scan.Cluster); ok {
			fmt.Printf("found %s\n", describeCluster(c))
		}
	})
	sess.Events().On(session.EventPlanUpdate, func(e session.Event) {
		if p, ok := e.Data.(assign.Plan); ok {
			fmt.Printf("cluster %s -> %d: %s\n", p.Cluster.RangeString(), p.Target, p.Status)
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := sess.Run(ctx)
	printReport(report)
	return runErr
}

func describeCluster(c scan.Cluster) string {
	var flags []string
	if len(c.Members) > 1 {
		flags = append(flags, fmt.Sprintf("%d addresses", len(c.Members)))
	}
	if c.Ambiguous {
		flags = append(flags, "ambiguous boundary")
	}
	if len(flags) == 0 {
		return fmt.Sprintf("cluster %s", c.RangeString())
	}
	return fmt.Sprintf("cluster %s (%s)", c.RangeString(), strings.Join(flags, ", "))
}

// promptLabel asks the operator which physical unit just moved.
func promptLabel(c scan.Cluster) (string, bool) {
	fmt.Printf("cluster %s pulsed. Label (empty to skip): ", c.RangeString())
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	label := strings.TrimSpace(line)
	return label, label != ""
}

func printReport(report *session.Report) {
	fmt.Println()
	fmt.Println(report.Summary())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANGE\tLABEL\tTARGET\tSTATUS\tNOTES")
	planned := make(map[string]bool)
	for _, p := range report.Plans {
		planned[p.Cluster.RangeString()] = true
		notes := p.Error
		if p.PartialCommit {
			notes = "old range still answering"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p.Cluster.RangeString(), p.Cluster.Label, p.Target, p.Status, notes)
	}
	for _, c := range report.Clusters {
		if planned[c.RangeString()] {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t-\tunchanged\t\n", c.RangeString(), c.Label)
	}
	w.Flush()

	for _, warning := range report.OverlapWarnings {
		fmt.Println("warning:", warning)
	}
	if len(report.PassiveAddrs) > 0 {
		fmt.Printf("heard only passively: %v\n", report.PassiveAddrs)
	}
	if len(report.UnmappedBytes) > 0 {
		fmt.Printf("unmapped wire bytes: % X\n", report.UnmappedBytes)
	}
	if report.FramingDrops > 0 {
		fmt.Printf("framing drops: %d\n", report.FramingDrops)
	}
	if report.TransportFailure != "" {
		fmt.Println("transport failure:", report.TransportFailure)
	}
	if report.Cancelled {
		fmt.Println("scan was cancelled; results above are partial")
	}
}
