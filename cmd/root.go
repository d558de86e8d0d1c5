// File: cmd/root.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/observability"
)

var (
	cfgFile string
	yes     bool

	// cfg is populated by the root PersistentPreRunE before any RunE fires.
	cfg *config.Config
)

// exitError carries a specific process exit code out of a RunE.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "warden",
		Short:        "Warden detects, contains, and recovers from security incidents on a hardened endpoint.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(); err != nil {
				return err
			}
			c, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// Fall back to a console logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "warden"})
				return fmt.Errorf("loading configuration: %w", err)
			}
			cfg = c
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("starting warden", zap.String("version", Version))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is /etc/warden/config.yaml)")
	root.PersistentFlags().BoolVar(&yes, "yes", false, "answer yes to confirmation prompts")
	root.SetVersionTemplate(`{{printf "warden version %s\n" .Version}}`)

	root.AddCommand(
		newScanCmd(),
		newContainCmd(),
		newResolveCmd(),
		newSnapshotCmd(),
		newStatusCmd(),
		newRecoveryCmd(),
		newKeysCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree and maps errors to process exit codes.
func Execute(ctx context.Context) {
	defer observability.Sync()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ec *exitError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// initializeConfig reads the config file and WARDEN_* environment variables.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/warden")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return nil
}

// confirm gates destructive operations. --yes or disabling
// keys.require_confirmation in the config skips the prompt.
func confirm(cmd *cobra.Command, prompt string) error {
	if yes || (cfg != nil && !cfg.Keys.RequireConfirmation) {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("aborted: not confirmed")
}
