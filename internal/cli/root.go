// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-pairedkey/internal/config"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	verbose      bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pairkey",
	Short: "pairkey - security key bound session secrets",
	Long: `pairkey keeps a session secret wrapped under a key that never leaves a
paired security key. The secret unlocks a local encrypted database only
while the paired credential is connected and the correct PIN is given.

Supported drivers:
  - software: a simulated key kept on disk, for development
  - pkcs11:   a PKCS#11 token (build with -tags pkcs11)`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command until ctx is cancelled or the command
// returns.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/pairkey/config.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text",
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(tlsAuthCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	switch OutputFormat(outputFormat) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", outputFormat)
	}

	path := cfgFile
	if path == "" {
		if _, err := os.Stat(defaultConfigPath()); err == nil {
			path = defaultConfigPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	appConfig = cfg
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) *logging.Logger {
	return logging.NewWithOptions(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: w,
	})
}

func printerFor(cmd *cobra.Command) *Printer {
	return NewPrinter(outputFormat, cmd.OutOrStdout())
}

// HandleError prints err in the selected output format and exits.
func HandleError(err error) {
	printer := NewPrinter(outputFormat, os.Stderr)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
	os.Exit(1)
}

func printVerbose(cmd *cobra.Command, format string, args ...any) {
	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
