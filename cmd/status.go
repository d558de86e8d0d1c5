// File: cmd/status.go
package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize incidents, recovery points, and key lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			incidents, err := app.engine.List()
			if err != nil {
				return fmt.Errorf("listing incidents: %w", err)
			}
			open := 0
			for _, inc := range incidents {
				if inc.Open() {
					open++
				}
			}
			fmt.Fprintf(out, "incidents: %d total, %d open\n", len(incidents), open)
			if len(incidents) > 0 {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCLASS\tSTATE\tSEVERITY\tOPENED")
				for _, inc := range incidents {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						inc.ID, inc.Class, inc.State, inc.Severity(),
						inc.OpenedAt.Format(time.RFC3339))
				}
				w.Flush()
			}

			points, err := app.recovery.List()
			if err != nil {
				return fmt.Errorf("listing recovery points: %w", err)
			}
			fmt.Fprintf(out, "recovery points: %d\n", len(points))
			if len(points) > 0 {
				fmt.Fprintf(out, "  latest: %s (complete=%t)\n",
					points[0].Name, points[0].Manifest.IntegrityOK)
			}

			statuses, err := app.keys.Check(ctx)
			if err != nil {
				return fmt.Errorf("checking keys: %w", err)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY TYPE\tLAST ROTATED\tNEXT DUE\tSTATE")
			for _, st := range statuses {
				state := "ok"
				if st.ExpiringSoon {
					state = "expiring soon"
				}
				if st.Expired {
					state = "EXPIRED"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					st.Type, formatTime(st.LastRotated), formatTime(st.NextDue), state)
			}
			w.Flush()
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02")
}
