// ABOUTME: serve command: prints the banner, configures logging and runs the bridge
// ABOUTME: Blocks until SIGINT/SIGTERM or until the bridge stops on its own

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mesh-bridge/internal/bridge"
	"github.com/2389/mesh-bridge/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := opts.path()

			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := opts.load()
			if err != nil {
				return err
			}

			logger, closer := setupLogger(cfg.Logging, os.Stdout)
			defer closer.Close()

			printStartup(configPath, cfg)

			logger.Info("starting mesh-bridge",
				"config", configPath,
				"primary", cfg.Networks.Primary.Kind,
				"secondary", cfg.Networks.Secondary != nil,
				"http_addr", cfg.Server.HTTPAddr,
			)

			b, err := bridge.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating bridge: %w", err)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return b.Run(ctx)
		},
	}
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("Database", cfg.Database.Path)
	line("Primary", describeNetwork(cfg.Networks.Primary))
	if cfg.Networks.Secondary != nil {
		line("Secondary", describeNetwork(*cfg.Networks.Secondary))
	}
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Admin.Secret == "" {
		yellow.Println("    ! admin.secret not set, maintenance endpoints disabled")
	}
	fmt.Println()
}

func describeNetwork(n config.NetworkConfig) string {
	switch n.Kind {
	case config.KindSerial:
		return fmt.Sprintf("serial %s @ %d", n.Device, n.BaudRate)
	default:
		return fmt.Sprintf("%s %s", n.Kind, n.Address)
	}
}
