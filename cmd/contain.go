// File: cmd/contain.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyonsec/warden/internal/detect"
)

func newContainCmd() *cobra.Command {
	var openClass string

	containCmd := &cobra.Command{
		Use:   "contain [incident-id]",
		Short: "Apply containment actions to an open incident",
		Long: `Contain applies the class-specific containment action set to an open
incident, captures a forensic snapshot, and advances the incident state.
Containing an already-contained incident is a no-op.

With --open, a new incident is opened from an operator report and
contained immediately; the argument is the incident description.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var class detect.Scope
			if openClass != "" {
				c, ok := detect.ParseScope(openClass)
				if !ok || c == detect.ScopeAll {
					return fmt.Errorf("invalid class %q (rootkit, intrusion, malware)", openClass)
				}
				class = c
			}

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}

			id := args[0]
			if openClass != "" {
				inc, err := app.engine.OpenManual(ctx, detect.Class(class), args[0])
				if err != nil {
					return fmt.Errorf("opening incident: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "opened incident %s (%s)\n", inc.ID, inc.Class)
				id = inc.ID
			}

			inc, err := app.engine.Contain(ctx, id)
			if err != nil {
				return fmt.Errorf("containing %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "incident %s state %s\n", inc.ID, inc.State)
			for _, line := range inc.ActionLog {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
			}
			return nil
		},
	}

	containCmd.Flags().StringVar(&openClass, "open", "", "open a new incident of this class from the given description")
	return containCmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Close an incident awaiting operator review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			inc, err := app.engine.Resolve(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resolving %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "incident %s state %s\n", inc.ID, inc.State)
			return nil
		},
	}
}
