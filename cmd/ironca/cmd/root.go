package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

const (
	defaultConfigPath = "ironca.yaml"
	configEnv         = "IRONCA_CONFIG"
)

type globalOptions struct {
	configPath string
}

// NewRootCommand builds the ironca command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "ironca",
		Short: "IronCA is a small X.509 certificate authority",
		Long: `IronCA signs certificate signing requests with a single CA key, keeps a
record of every certificate it issues, and publishes signed revocation lists.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configDefault := defaultConfigPath
	if env := os.Getenv(configEnv); env != "" {
		configDefault = env
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configDefault,
		"Path to the configuration file (env "+configEnv+")")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newSignCommand(opts),
		newRevokeCommand(opts),
		newListCommand(opts),
		newDumpCRLCommand(opts),
	)
	return rootCmd
}

// Execute runs the CLI and exits with status 1 on any error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
