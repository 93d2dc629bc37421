// ABOUTME: Privileged maintenance: history purge and compaction
// ABOUTME: Callers gate these behind the admin credential; the store does not

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PurgeHistory deletes packets and neighbor edges older than before.
// Node statistics are cumulative and are kept.
func (s *SQLiteStore) PurgeHistory(ctx context.Context, before time.Time) (PurgeResult, error) {
	var res PurgeResult
	cutoff := formatTime(before)
	err := s.write(ctx, "purging history", func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM packets WHERE received_at < ?`, cutoff)
		if err != nil {
			return err
		}
		if res.Packets, err = r.RowsAffected(); err != nil {
			return err
		}
		r, err = tx.ExecContext(ctx, `DELETE FROM neighbor_edges WHERE observed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		res.Neighbors, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return PurgeResult{}, err
	}
	s.logger.Info("history purged", "before", cutoff, "packets", res.Packets, "neighbors", res.Neighbors)
	return res, nil
}

// Compact rebuilds the database file to reclaim space and truncates the WAL.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	start := time.Now()
	// VACUUM cannot run inside a transaction.
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpointing WAL: %w", err)
	}
	s.logger.Info("database compacted", "duration", time.Since(start))
	return nil
}

// Counts returns row counts for every managed table.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	query := `
		SELECT
			(SELECT COUNT(*) FROM packets),
			(SELECT COUNT(*) FROM node_stats),
			(SELECT COUNT(*) FROM neighbor_edges),
			(SELECT COUNT(*) FROM identities)
	`
	if err := s.db.QueryRowContext(ctx, query).Scan(&c.Packets, &c.Nodes, &c.Edges, &c.Identities); err != nil {
		return Counts{}, fmt.Errorf("counting rows: %w", err)
	}
	return c, nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
