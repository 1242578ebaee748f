// Package app provides the command set of the dbhive binary.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/dbhive/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "dbhive",
	DisableAutoGenTag: true,
	Short:             "dbhive is an MCP gateway for relational databases",
	Long: `dbhive exposes a relational database to MCP (Model Context Protocol)
clients as a small fixed set of read-only tools, with token-based
authentication, per-user connection pools and rate limiting.

Configuration comes from the environment (see the serve command help);
individual values can be overridden with flags.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the dbhive CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Panicf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
