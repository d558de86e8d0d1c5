// File: cmd/recovery.go
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halcyonsec/warden/internal/recovery"
)

func newRecoveryCmd() *cobra.Command {
	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Create, verify, restore, and prune recovery points",
	}
	recoveryCmd.AddCommand(
		newRecoveryCreateCmd(),
		newRecoveryListCmd(),
		newRecoveryVerifyCmd(),
		newRecoveryRestoreCmd(),
		newRecoveryCleanupCmd(),
		newRecoveryEmergencyCmd(),
	)
	return recoveryCmd
}

func newRecoveryCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [description...]",
		Short: "Capture a new recovery point",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			entry, err := app.recovery.Create(ctx, "manual", strings.Join(args, " "))
			if errors.Is(err, recovery.ErrCaptureIncomplete) {
				fmt.Fprintf(cmd.OutOrStdout(), "recovery point %s stored INCOMPLETE: %v\n", entry.Name, err)
				return &exitError{code: 1, msg: "capture incomplete"}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovery point %s created (%d artifacts)\n",
				entry.Name, len(entry.Manifest.Files))
			return nil
		},
	}
}

func newRecoveryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recovery points, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			points, err := app.recovery.List()
			if err != nil {
				return err
			}
			if len(points) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recovery points")
				return nil
			}
			for _, p := range points {
				desc := p.Manifest.Labels["description"]
				fmt.Fprintf(cmd.OutOrStdout(), "%s  complete=%t  %s\n",
					p.Name, p.Manifest.IntegrityOK, desc)
			}
			return nil
		},
	}
}

func newRecoveryVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <point>",
		Short: "Verify a recovery point's integrity without mutating anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			ok, problems, err := app.recovery.Verify(args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "recovery point %s verified\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovery point %s FAILED verification:\n", args[0])
			for _, p := range problems {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
			}
			return &exitError{code: 1, msg: "verification failed"}
		},
	}
}

func newRecoveryRestoreCmd() *cobra.Command {
	var modeFlag string

	restoreCmd := &cobra.Command{
		Use:   "restore <point>",
		Short: "Restore system state from a recovery point",
		Long: `Restore verifies the point, captures a fresh pre-restore point, then
applies the selected mode: safe restores configuration files and service
enablement only; full additionally restores network routes, firewall
rules, the mandatory-access-control mode, and restarts critical services;
forensic prints a diff against current state and changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mode, ok := recovery.ParseMode(modeFlag)
			if !ok {
				return fmt.Errorf("invalid mode %q (safe, full, forensic)", modeFlag)
			}
			if mode == recovery.ModeFull {
				if err := confirm(cmd, fmt.Sprintf("fully restore %s, restarting critical services", args[0])); err != nil {
					return err
				}
			}

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			res, err := app.recovery.Restore(ctx, args[0], mode)
			if res != nil {
				out := cmd.OutOrStdout()
				if res.Report != "" {
					fmt.Fprint(out, res.Report)
				}
				for _, c := range res.Applied {
					fmt.Fprintf(out, "applied: %s\n", c)
				}
				for _, c := range res.Skipped {
					fmt.Fprintf(out, "skipped: %s\n", c)
				}
				fmt.Fprintf(out, "pre-restore point: %s\n", res.PreRestorePoint)
			}
			return err
		},
	}

	restoreCmd.Flags().StringVar(&modeFlag, "mode", "safe", "restore mode: safe, full, or forensic")
	return restoreCmd
}

func newRecoveryCleanupCmd() *cobra.Command {
	var (
		retentionDays int
		keepMinimum   int
	)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete recovery points past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			deleted, err := app.recovery.Cleanup(ctx, retentionDays, keepMinimum)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d recovery points\n", len(deleted))
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
			}
			return nil
		},
	}

	cleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override configured retention window")
	cleanupCmd.Flags().IntVar(&keepMinimum, "keep", 0, "override configured minimum points to keep")
	return cleanupCmd
}

func newRecoveryEmergencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency",
		Short: "Lock the host down to loopback-only and capture a recovery point",
		Long: `Emergency is the last-resort containment path: it denies all network
traffic except loopback, expires interactive account passwords, stops
non-essential services, and captures a recovery point of the locked-down
state. Individual step failures do not stop the remaining steps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := confirm(cmd, "lock this host down to loopback-only networking"); err != nil {
				return err
			}
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			entry, err := app.recovery.Emergency(ctx)
			if entry.Name != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "lockdown recovery point: %s\n", entry.Name)
			}
			if err != nil {
				return fmt.Errorf("emergency lockdown: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "emergency lockdown complete")
			return nil
		},
	}
}
