package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"canmap/internal/store"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the persisted address map",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		assignments, err := st.ListAssignments()
		if err != nil {
			return err
		}
		if len(assignments) == 0 {
			fmt.Println("no assignments recorded; run a scan first")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDR\tLABEL\tFROM\tASSIGNED\tNOTES")
		for _, a := range assignments {
			notes := ""
			if a.Partial {
				notes = "partial commit"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				a.Address, a.Label, a.SourceRange, a.AssignedAt.Format(time.RFC3339), notes)
		}
		return w.Flush()
	},
}
