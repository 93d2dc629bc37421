// ABOUTME: Root cobra command, config path discovery and shared flags
// ABOUTME: Config priority: --config flag, MESH_BRIDGE_CONFIG, XDG config dir

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/mesh-bridge/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mesh-bridge",
		Short:         "Bridge and analytics core for mesh radio networks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (yaml or toml)")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newNodeCmd(opts),
		newNeighborsCmd(opts),
		newLinksCmd(opts),
		newTalkersCmd(opts),
		newStatusCmd(opts),
		newPurgeCmd(opts),
		newCompactCmd(opts),
		newAnnounceCmd(opts),
	)
	return root
}

// path returns the config file to use.
func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return getConfigPath()
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// getConfigPath returns the path to the bridge config file.
// Priority: MESH_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/mesh-bridge/config.yaml > ~/.config/mesh-bridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MESH_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mesh-bridge", "config.yaml")
}

// getDataPath returns the directory holding the database.
// Priority: XDG_DATA_HOME/mesh-bridge > ~/.local/share/mesh-bridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mesh-bridge")
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
