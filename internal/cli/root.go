// Package cli wires the cobra command tree for the steward daemon.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - supervised LLM tool orchestration",
	Long: `Steward runs LLM agent sessions whose tool calls are classified by
risk, checked against per-identity policy, and gated behind human
approval when they exceed the session's autonomy level.`,
	Version: version,
}

// Execute runs the command tree. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.steward/steward.json)")
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
