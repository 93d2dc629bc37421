// ABOUTME: Directional neighbor edges learned from NeighborInfo reports
// ABOUTME: One row per (node, neighbor); newer reports overwrite older ones

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// UpsertNeighbor creates or overwrites the edge node -> neighbor.
func (s *SQLiteStore) UpsertNeighbor(ctx context.Context, e mesh.NeighborEdge) error {
	return s.UpsertNeighbors(ctx, []mesh.NeighborEdge{e})
}

// UpsertNeighbors writes a whole report in one transaction.
func (s *SQLiteStore) UpsertNeighbors(ctx context.Context, edges []mesh.NeighborEdge) error {
	if len(edges) == 0 {
		return nil
	}
	query := `
		INSERT INTO neighbor_edges (node_id, neighbor_id, snr, last_rx_time, broadcast_interval, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, neighbor_id) DO UPDATE SET
			snr = excluded.snr,
			last_rx_time = COALESCE(excluded.last_rx_time, neighbor_edges.last_rx_time),
			broadcast_interval = excluded.broadcast_interval,
			observed_at = excluded.observed_at
		WHERE excluded.observed_at >= neighbor_edges.observed_at
	`
	return s.write(ctx, "upserting neighbors", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("preparing neighbor upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range edges {
			_, err := stmt.ExecContext(ctx,
				e.NodeID,
				e.NeighborID,
				nullFloat(e.SNR),
				nullTime(e.LastRxTime),
				e.BroadcastInterval,
				formatTime(e.ObservedAt),
			)
			if err != nil {
				return fmt.Errorf("upserting edge %s->%s: %w", e.NodeID, e.NeighborID, err)
			}
		}
		return nil
	})
}

// NeighborEdges returns edges observed at or after since, ordered by node.
func (s *SQLiteStore) NeighborEdges(ctx context.Context, since time.Time) ([]mesh.NeighborEdge, error) {
	query := `
		SELECT node_id, neighbor_id, snr, last_rx_time, broadcast_interval, observed_at
		FROM neighbor_edges
		WHERE observed_at >= ?
		ORDER BY node_id ASC, neighbor_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying neighbor edges: %w", err)
	}
	defer rows.Close()

	var out []mesh.NeighborEdge
	for rows.Next() {
		var (
			e          mesh.NeighborEdge
			snr        sql.NullFloat64
			lastRx     sql.NullString
			observedAt string
		)
		if err := rows.Scan(&e.NodeID, &e.NeighborID, &snr, &lastRx, &e.BroadcastInterval, &observedAt); err != nil {
			return nil, fmt.Errorf("scanning neighbor edge: %w", err)
		}
		e.SNR = floatPtr(snr)
		if e.LastRxTime, err = timePtr(lastRx); err != nil {
			return nil, fmt.Errorf("parsing last_rx_time: %w", err)
		}
		if e.ObservedAt, err = parseTime(observedAt); err != nil {
			return nil, fmt.Errorf("parsing observed_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating neighbor edges: %w", err)
	}
	return out, nil
}

// PruneNeighbors deletes edges observed before the cutoff.
func (s *SQLiteStore) PruneNeighbors(ctx context.Context, before time.Time) (int64, error) {
	return s.pruneBatched(ctx, "neighbor_edges", "observed_at", before)
}
