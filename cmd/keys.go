// File: cmd/keys.go
package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonsec/warden/internal/keys"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Rotate, revoke, back up, and audit cryptographic key material",
	}
	keysCmd.AddCommand(
		newKeysCheckCmd(),
		newKeysRotateCmd(),
		newKeysRevokeCmd(),
		newKeysBackupCmd(),
		newKeysCleanupCmd(),
	)
	return keysCmd
}

func parseKeyType(s string) (keys.Type, error) {
	t, ok := keys.ParseType(s)
	if !ok {
		return "", fmt.Errorf("invalid key type %q (secure-boot, luks, ssh, tls)", s)
	}
	return t, nil
}

func newKeysCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		Aliases: []string{"status"},
		Short:   "Report key expiry without mutating anything",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			statuses, err := app.keys.Check(ctx)
			if err != nil {
				return err
			}

			expired := 0
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY TYPE\tLAST ROTATED\tNEXT DUE\tSTATE\tNOTES")
			for _, st := range statuses {
				state := "ok"
				if st.ExpiringSoon {
					state = "expiring soon"
				}
				if st.Expired {
					state = "EXPIRED"
					expired++
				}
				notes := ""
				if len(st.Notes) > 0 {
					notes = st.Notes[0]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					st.Type, formatTime(st.LastRotated), formatTime(st.NextDue), state, notes)
			}
			w.Flush()

			if expired > 0 {
				return &exitError{code: 1, msg: fmt.Sprintf("%d key types expired", expired)}
			}
			return nil
		},
	}
}

func newKeysRotateCmd() *cobra.Command {
	var force bool

	rotateCmd := &cobra.Command{
		Use:   "rotate <type|all>",
		Short: "Rotate one key type's material, or every type",
		Long: `Rotate backs up the current material, generates a replacement, installs
it atomically, re-points dependent services, and backs up the new
material. A key inside its rotation interval is skipped unless --force
is given. Any failure before the install step leaves the old material
authoritative. "all" rotates every type; one type failing never stops
the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if args[0] == "all" {
				app, err := buildApp(ctx)
				if err != nil {
					return err
				}
				results, err := app.keys.RotateAll(ctx, force)
				for _, res := range results {
					if res.Rotated {
						printRotation(cmd, res)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s not rotated: %s\n",
						res.Type, strings.Join(res.Steps, ", "))
				}
				return err
			}

			t, err := parseKeyType(args[0])
			if err != nil {
				return err
			}
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}

			res, err := app.keys.Rotate(ctx, t, force)
			if errors.Is(err, keys.ErrRotationNotDue) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s material is fresh; use --force to rotate anyway\n", t)
				return nil
			}
			if err != nil {
				return err
			}
			printRotation(cmd, res)
			return nil
		},
	}

	rotateCmd.Flags().BoolVar(&force, "force", false, "rotate even when the key is within its interval")
	return rotateCmd
}

func newKeysRevokeCmd() *cobra.Command {
	var reason string

	revokeCmd := &cobra.Command{
		Use:   "revoke <type>",
		Short: "Treat a key type as compromised and replace it immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := parseKeyType(args[0])
			if err != nil {
				return err
			}
			if reason == "" {
				return fmt.Errorf("--reason is required for a revocation")
			}
			if err := confirm(cmd, fmt.Sprintf("revoke and replace all %s key material", t)); err != nil {
				return err
			}

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			res, err := app.keys.Revoke(ctx, t, reason)
			if err != nil {
				return err
			}
			printRotation(cmd, res)
			return nil
		},
	}

	revokeCmd.Flags().StringVar(&reason, "reason", "", "why the material is considered compromised")
	return revokeCmd
}

func newKeysBackupCmd() *cobra.Command {
	var reason string

	backupCmd := &cobra.Command{
		Use:   "backup <type>",
		Short: "Back up one key type's current material into the evidence store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := parseKeyType(args[0])
			if err != nil {
				return err
			}
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			entry, err := app.keys.Backup(ctx, t, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s stored at %s\n",
				entry.Name, entry.Manifest.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	backupCmd.Flags().StringVar(&reason, "reason", "", "why the backup is being taken, recorded in the manifest")
	return backupCmd
}

func newKeysCleanupCmd() *cobra.Command {
	var (
		retentionDays int
		keepMinimum   int
	)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete key backups past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			deleted, err := app.keys.Cleanup(ctx, retentionDays, keepMinimum)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d key backups\n", len(deleted))
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
			}
			return nil
		},
	}

	cleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override configured retention window")
	cleanupCmd.Flags().IntVar(&keepMinimum, "keep", 0, "override configured minimum backups to keep per type")
	return cleanupCmd
}

func printRotation(cmd *cobra.Command, res keys.RotationResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s rotation complete\n", res.Type)
	fmt.Fprintf(out, "  pre-rotation backup:  %s\n", res.PreBackup)
	fmt.Fprintf(out, "  post-rotation backup: %s\n", res.PostBackup)
	for _, step := range res.Steps {
		fmt.Fprintf(out, "  step: %s\n", step)
	}
}
