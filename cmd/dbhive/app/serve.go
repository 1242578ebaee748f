package app

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/gateway"
	"github.com/stacklok/dbhive/pkg/logger"
)

// newServeCmd creates the serve command, which runs the gateway until the
// process receives SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	var (
		transport string
		host      string
		port      int
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP gateway",
		Long: `Run the MCP gateway with the transports selected by MCP_TRANSPORT
(stdio, http or both). Environment variables are the authoritative
configuration; the flags below override individual values.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("transport") {
				cfg.Transport = config.TransportMode(transport)
			}
			if cmd.Flags().Changed("host") {
				cfg.HTTPHost = host
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if viper.GetBool("debug") {
				cfg.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// Re-initialize with the effective level, which flags may have
			// changed since main's early Initialize.
			logger.InitializeWithEnv(func(name string) string {
				if name == "LOG_LEVEL" {
					return cfg.LogLevel
				}
				return os.Getenv(name)
			})

			return gateway.New(cfg).Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport to serve: stdio, http or both")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	return cmd
}
