// ABOUTME: Admin API: history purge, database compaction and mirrored announcements
// ABOUTME: Every call checks the shared secret first; all failures look the same to the caller

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/mesh-bridge/internal/store"
)

// ErrEmptyAnnouncement is returned when Announce has nothing to send.
var ErrEmptyAnnouncement = errors.New("announcement text is empty")

// PurgeHistory deletes packets and neighbor edges observed before before.
// Node statistics are cumulative and survive the purge.
func (b *Bridge) PurgeHistory(ctx context.Context, credential string, before time.Time) (store.PurgeResult, error) {
	if err := b.gate.Check(credential); err != nil {
		b.logger.Warn("admin purge rejected")
		return store.PurgeResult{}, err
	}
	return b.purgeHistory(ctx, before)
}

// purgeHistory runs the purge for a caller that is already authorized.
func (b *Bridge) purgeHistory(ctx context.Context, before time.Time) (store.PurgeResult, error) {
	res, err := b.store.PurgeHistory(ctx, before)
	if err != nil {
		b.health.Record(err)
		return store.PurgeResult{}, fmt.Errorf("purging history: %w", err)
	}
	b.logger.Info("=== HISTORY PURGED ===",
		"before", before.UTC().Format(time.RFC3339),
		"packets", res.Packets,
		"neighbors", res.Neighbors,
	)
	return res, nil
}

// Compact reclaims free space in the database file.
func (b *Bridge) Compact(ctx context.Context, credential string) error {
	if err := b.gate.Check(credential); err != nil {
		b.logger.Warn("admin compact rejected")
		return err
	}
	if err := b.store.Compact(ctx); err != nil {
		return fmt.Errorf("compacting database: %w", err)
	}
	b.logger.Info("database compacted")
	return nil
}

// Announce broadcasts text on every connected network.
func (b *Bridge) Announce(ctx context.Context, credential, text string) error {
	if err := b.gate.Check(credential); err != nil {
		b.logger.Warn("admin announce rejected")
		return err
	}
	return b.announce(ctx, text)
}

func (b *Bridge) announce(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyAnnouncement
	}
	if err := b.radio.MirrorBroadcast(ctx, text); err != nil {
		return fmt.Errorf("announcing: %w", err)
	}
	b.logger.Info("announcement sent", "chars", len(text))
	return nil
}
