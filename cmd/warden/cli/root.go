// Package cli implements the warden command-line interface using Cobra.
// It provides the three credential-scoping proxies and the token broker
// commands consumed by the session orchestrator.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/warden/internal/log"
)

var (
	debug   bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - credential-scoping proxies for sandboxed agents",
	Long: `Warden keeps real credentials on the host and hands sandboxed agents
narrowly-scoped access instead.

Each proxy binds an ephemeral localhost port, announces it as a single
line on stdout, and injects the appropriate credential into outbound
requests. The agent inside the VM never sees a real token.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !debug && os.Getenv("WARDEN_DEBUG") == "1" {
			debug = true
		}

		if err := log.Init(log.Options{
			Debug:         debug,
			JSONFormat:    jsonOut,
			LogDir:        os.Getenv("WARDEN_LOG_DIR"),
			RetentionDays: 7,
		}); err != nil {
			// Log init failure is non-fatal; stderr logging still works.
			cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output (env: WARDEN_DEBUG=1)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
}
