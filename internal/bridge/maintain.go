// ABOUTME: Periodic maintenance: network watchdog, retention sweeps, identity flush, scheduled broadcast
// ABOUTME: Runs on one goroutine; every step logs and continues on failure

package bridge

import (
	"context"
	"time"
)

// maintenanceLoop runs maintain every configured interval until ctx ends.
func (b *Bridge) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.Maintenance.Interval)
	defer ticker.Stop()

	b.mu.Lock()
	b.lastBroadcast = b.now()
	b.lastFlush = b.now()
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.maintain(ctx)
		}
	}
}

// maintain performs one maintenance pass.
func (b *Bridge) maintain(ctx context.Context) {
	now := b.now()

	b.radio.Watchdog(ctx)
	b.updateNetworkHealth()

	if n, err := b.store.PrunePackets(ctx, now.Add(-b.config.Database.PacketRetention)); err != nil {
		b.health.Record(err)
		b.logger.Error("pruning packet history", "error", err)
	} else if n > 0 {
		b.logger.Info("packet history pruned", "rows", n)
	}

	if _, err := b.tracker.Cleanup(ctx, b.config.Database.NeighborRetention); err != nil {
		b.health.Record(err)
		b.logger.Error("sweeping neighbor edges", "error", err)
	}

	b.mu.Lock()
	flushDue := now.Sub(b.lastFlush) >= b.config.Identity.FlushInterval
	if flushDue {
		b.lastFlush = now
	}
	broadcastDue := b.config.Maintenance.BroadcastInterval > 0 &&
		b.config.Maintenance.BroadcastText != "" &&
		now.Sub(b.lastBroadcast) >= b.config.Maintenance.BroadcastInterval
	if broadcastDue {
		b.lastBroadcast = now
	}
	b.mu.Unlock()

	if flushDue {
		if _, err := b.directory.Flush(ctx); err != nil {
			b.health.Record(err)
			b.logger.Error("flushing identities", "error", err)
		}
	}

	if broadcastDue {
		if err := b.radio.Broadcast(ctx, b.config.Maintenance.BroadcastText); err != nil {
			b.logger.Warn("scheduled broadcast failed", "error", err)
		} else {
			b.logger.Info("scheduled broadcast sent")
		}
	}
}
