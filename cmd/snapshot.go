// File: cmd/snapshot.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyonsec/warden/internal/forensic"
)

func newSnapshotCmd() *cobra.Command {
	var label, note string

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a forensic snapshot of the current system state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}

			entry, err := app.snapshots.Capture(ctx, forensic.TriggerManual, label, note)
			if err != nil {
				return fmt.Errorf("capturing snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s captured (%d artifacts, complete=%t)\n",
				entry.Name, len(entry.Manifest.Files), entry.Manifest.IntegrityOK)
			for _, note := range entry.Manifest.Notes {
				fmt.Fprintf(cmd.OutOrStdout(), "  note: %s\n", note)
			}
			return nil
		},
	}

	snapshotCmd.Flags().StringVar(&label, "label", "", "free-form label stored in the snapshot manifest")
	snapshotCmd.Flags().StringVar(&note, "note", "", "operator note stored in the snapshot manifest")
	return snapshotCmd
}
