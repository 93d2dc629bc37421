// ABOUTME: Builds network descriptions and dialers from configuration
// ABOUTME: serial and tcp speak the framed radio API; jsonl speaks to the companion bridge

package radio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/mesh"
)

// NetworkFromConfig describes the network configured under name. The
// secondary network always reports SourceSecondary; the primary reports
// the local or remote radio source by connection kind.
func NetworkFromConfig(name string, cfg config.NetworkConfig, secondary bool, logger *slog.Logger) (Network, error) {
	logger = logger.With("component", "radio", "network", name)

	var (
		source mesh.Source
		dial   Dialer
	)
	switch cfg.Kind {
	case config.KindSerial:
		source = mesh.SourceLocalRadio
		dial = func(ctx context.Context) (Conn, error) {
			return DialSerial(cfg.Device, cfg.BaudRate, logger)
		}
	case config.KindTCP:
		source = mesh.SourceRemoteRadio
		dial = func(ctx context.Context) (Conn, error) {
			return DialTCP(ctx, cfg.Address, cfg.DialTimeout, logger)
		}
	case config.KindJSONL:
		source = mesh.SourceSecondary
		dial = func(ctx context.Context) (Conn, error) {
			return DialJSONL(ctx, cfg.Address, cfg.DialTimeout, logger)
		}
	default:
		return Network{}, fmt.Errorf("network %s: unknown kind %q", name, cfg.Kind)
	}
	if secondary {
		source = mesh.SourceSecondary
	}

	return Network{
		Name:             name,
		Kind:             cfg.Kind,
		Source:           source,
		Dial:             dial,
		SilenceThreshold: cfg.SilenceThreshold,
	}, nil
}
