// File: cmd/scan.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/observability"
)

func newScanCmd() *cobra.Command {
	var (
		scopeFlag  string
		reportOnly bool
	)

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the host for threats and open incidents for qualifying findings",
		Long: `Scan runs every detector check in the selected scope and prints the
findings. Unless --report-only is given, HIGH and CRITICAL findings open
(or merge into) incidents and trigger automated containment when enabled.

The exit code is the number of findings, capped at 125; 0 means clean.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			scope, ok := detect.ParseScope(scopeFlag)
			if !ok {
				return fmt.Errorf("invalid scope %q (rootkit, intrusion, malware, all)", scopeFlag)
			}

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}

			report, err := app.detector.Scan(ctx, scope)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(report.Findings) == 0 {
				fmt.Fprintln(out, "no findings")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHECK\tCLASS\tSEVERITY\tEVIDENCE")
				for _, f := range report.Findings {
					evidenceLine := ""
					if len(f.Evidence) > 0 {
						evidenceLine = f.Evidence[0]
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.CheckName, f.Class, f.Severity, evidenceLine)
				}
				w.Flush()
			}
			for _, sk := range report.Skipped {
				fmt.Fprintf(out, "skipped: %s (%s)\n", sk.Name, sk.Reason)
			}

			if !reportOnly {
				incidents, err := app.engine.HandleReport(ctx, report)
				if err != nil {
					return fmt.Errorf("handling findings: %w", err)
				}
				for _, inc := range incidents {
					fmt.Fprintf(out, "incident %s (%s) state %s\n", inc.ID, inc.Class, inc.State)
				}
			}

			if n := len(report.Findings); n > 0 {
				logger.Warn("scan found threats", zap.Int("findings", n))
				code := n
				if code > 125 {
					code = 125
				}
				cmd.SilenceErrors = true
				return &exitError{code: code, msg: fmt.Sprintf("%d findings", n)}
			}
			return nil
		},
	}

	scanCmd.Flags().StringVar(&scopeFlag, "scope", "all", "check scope: rootkit, intrusion, malware, or all")
	scanCmd.Flags().BoolVar(&reportOnly, "report-only", false, "report findings without opening incidents")
	return scanCmd
}
