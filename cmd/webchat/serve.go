package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/webchat/pkg/logging"
	"github.com/aeolun/webchat/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		port     int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if logLevel != "" {
				config.Log.Level = logLevel
			}
			logger, cleanup, err := logging.New(config.LogConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			serverConfig := config.ToServerConfig()
			if cmd.Flags().Changed("port") {
				serverConfig.HTTPPort = port
			}

			logger.Info("starting webchat",
				zap.String("version", version),
				zap.Int("http_port", serverConfig.HTTPPort),
				zap.Int("metrics_port", serverConfig.MetricsPort),
				zap.String("database", config.Server.DatabasePath))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.NewServerFromStore(serverConfig, store, logger)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config and PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	return cmd
}
