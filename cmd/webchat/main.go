package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aeolun/webchat/pkg/database"
	"github.com/aeolun/webchat/pkg/server"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "~/.webchat/config.toml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "webchat",
		Short: "Real-time room and private chat over WebSocket",
		Long: `WebChat serves a browser chat page and a JSON-over-WebSocket protocol
for room messages, private messages and live presence.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		userCmd(&configPath),
		loadtestCmd(),
	)
	return rootCmd
}

// openStore loads the config and opens the configured database, creating
// its directory when needed
func openStore(configPath string) (server.TOMLConfig, database.Store, error) {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return config, nil, err
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return config, nil, err
	}
	if dbPath != database.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return config, nil, errors.Wrap(err, "create database directory")
		}
	}

	store, err := database.OpenStore(dbPath)
	if err != nil {
		return config, nil, errors.Wrapf(err, "open database %s", dbPath)
	}
	return config, store, nil
}
