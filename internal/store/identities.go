// ABOUTME: Resolved identities: public key, node id, display name
// ABOUTME: The key column may hold hex or base64 text, or a raw BLOB from older builds

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Identities returns every stored identity with its key exactly as stored.
func (s *SQLiteStore) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT public_key, node_id, name, updated_at FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			id        Identity
			key       any
			updatedAt string
		)
		if err := rows.Scan(&key, &id.NodeID, &id.Name, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		// Copy: the driver may reuse BLOB buffers.
		if b, ok := key.([]byte); ok {
			key = append([]byte(nil), b...)
		}
		id.PublicKey = key
		if id.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identities: %w", err)
	}
	return out, nil
}

// UpsertIdentity stores id keyed by its public key.
func (s *SQLiteStore) UpsertIdentity(ctx context.Context, id Identity) error {
	query := `
		INSERT INTO identities (public_key, node_id, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			node_id = excluded.node_id,
			name = CASE WHEN excluded.name = '' THEN identities.name ELSE excluded.name END,
			updated_at = excluded.updated_at
	`
	return s.write(ctx, "upserting identity", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, id.PublicKey, id.NodeID, id.Name, formatTime(id.UpdatedAt))
		return err
	})
}
