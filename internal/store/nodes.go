// ABOUTME: Cumulative per-node statistics rows
// ABOUTME: Upserts never move a node's counters backwards when writers race

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/mesh-bridge/internal/mesh"
)

const nodeStatsColumns = `
	node_id, total_packets, total_bytes, by_kind, message_count, message_chars,
	first_seen, last_seen, long_name, short_name,
	battery_level, voltage, temperature, humidity, pressure, air_quality, telemetry_updated_at,
	latitude, longitude, altitude, position_updated_at,
	originated, relayed
`

func upsertNodeStats(ctx context.Context, tx *sql.Tx, rec *mesh.NodeRecord) error {
	byKind, err := json.Marshal(rec.ByKind)
	if err != nil {
		return fmt.Errorf("encoding by_kind: %w", err)
	}

	// Aggregator snapshots can reach the writer out of order when two
	// connections race; the guard keeps the newer snapshot.
	query := `
		INSERT INTO node_stats (` + nodeStatsColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			total_packets = excluded.total_packets,
			total_bytes = excluded.total_bytes,
			by_kind = excluded.by_kind,
			message_count = excluded.message_count,
			message_chars = excluded.message_chars,
			first_seen = MIN(node_stats.first_seen, excluded.first_seen),
			last_seen = excluded.last_seen,
			long_name = COALESCE(excluded.long_name, node_stats.long_name),
			short_name = COALESCE(excluded.short_name, node_stats.short_name),
			battery_level = COALESCE(excluded.battery_level, node_stats.battery_level),
			voltage = COALESCE(excluded.voltage, node_stats.voltage),
			temperature = COALESCE(excluded.temperature, node_stats.temperature),
			humidity = COALESCE(excluded.humidity, node_stats.humidity),
			pressure = COALESCE(excluded.pressure, node_stats.pressure),
			air_quality = COALESCE(excluded.air_quality, node_stats.air_quality),
			telemetry_updated_at = COALESCE(excluded.telemetry_updated_at, node_stats.telemetry_updated_at),
			latitude = COALESCE(excluded.latitude, node_stats.latitude),
			longitude = COALESCE(excluded.longitude, node_stats.longitude),
			altitude = COALESCE(excluded.altitude, node_stats.altitude),
			position_updated_at = COALESCE(excluded.position_updated_at, node_stats.position_updated_at),
			originated = excluded.originated,
			relayed = excluded.relayed
		WHERE excluded.total_packets >= node_stats.total_packets
	`
	_, err = tx.ExecContext(ctx, query,
		rec.NodeID,
		rec.TotalPackets,
		rec.TotalBytes,
		string(byKind),
		rec.Messages.Count,
		rec.Messages.TotalChars,
		formatTime(rec.FirstSeen),
		formatTime(rec.LastSeen),
		nullString(rec.LongName),
		nullString(rec.ShortName),
		nullFloat(rec.Telemetry.BatteryLevel),
		nullFloat(rec.Telemetry.Voltage),
		nullFloat(rec.Telemetry.Temperature),
		nullFloat(rec.Telemetry.Humidity),
		nullFloat(rec.Telemetry.Pressure),
		nullFloat(rec.Telemetry.AirQuality),
		nullTime(rec.Telemetry.UpdatedAt),
		nullFloat(rec.Position.Latitude),
		nullFloat(rec.Position.Longitude),
		nullFloat(rec.Position.Altitude),
		nullTime(rec.Position.UpdatedAt),
		rec.Routing.Originated,
		rec.Routing.Relayed,
	)
	if err != nil {
		return fmt.Errorf("upserting node stats for %s: %w", rec.NodeID, err)
	}
	return nil
}

// UpsertNodeStats writes one node's statistics on its own.
func (s *SQLiteStore) UpsertNodeStats(ctx context.Context, rec *mesh.NodeRecord) error {
	return s.write(ctx, "upserting node stats", func(tx *sql.Tx) error {
		return upsertNodeStats(ctx, tx, rec)
	})
}

// NodeStats returns one node's statistics.
// Returns ErrNotFound if the node has never been seen.
func (s *SQLiteStore) NodeStats(ctx context.Context, nodeID string) (*mesh.NodeRecord, error) {
	query := `SELECT ` + nodeStatsColumns + ` FROM node_stats WHERE node_id = ?`
	rec, err := scanNodeStats(s.db.QueryRowContext(ctx, query, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node stats: %w", err)
	}
	return rec, nil
}

// ListNodeStats returns every node, most recently seen first.
func (s *SQLiteStore) ListNodeStats(ctx context.Context) ([]*mesh.NodeRecord, error) {
	query := `SELECT ` + nodeStatsColumns + ` FROM node_stats ORDER BY last_seen DESC, node_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying node stats: %w", err)
	}
	defer rows.Close()

	var out []*mesh.NodeRecord
	for rows.Next() {
		rec, err := scanNodeStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node stats: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node stats: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeStats(row rowScanner) (*mesh.NodeRecord, error) {
	var (
		rec                                   mesh.NodeRecord
		byKind, firstSeen, lastSeen           string
		longName, shortName                   sql.NullString
		battery, voltage, temp, hum, pressure sql.NullFloat64
		airQuality                            sql.NullFloat64
		telemetryAt, positionAt               sql.NullString
		lat, lon, alt                         sql.NullFloat64
		originated, relayed                   sql.NullInt64
	)
	err := row.Scan(
		&rec.NodeID, &rec.TotalPackets, &rec.TotalBytes, &byKind,
		&rec.Messages.Count, &rec.Messages.TotalChars,
		&firstSeen, &lastSeen, &longName, &shortName,
		&battery, &voltage, &temp, &hum, &pressure, &airQuality, &telemetryAt,
		&lat, &lon, &alt, &positionAt,
		&originated, &relayed,
	)
	if err != nil {
		return nil, err
	}

	rec.ByKind = make(map[mesh.PayloadKind]int64)
	if byKind != "" {
		if err := json.Unmarshal([]byte(byKind), &rec.ByKind); err != nil {
			return nil, fmt.Errorf("decoding by_kind: %w", err)
		}
	}
	if rec.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", err)
	}
	if rec.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	rec.LongName = longName.String
	rec.ShortName = shortName.String

	rec.Telemetry = mesh.TelemetryStats{
		BatteryLevel: floatPtr(battery),
		Voltage:      floatPtr(voltage),
		Temperature:  floatPtr(temp),
		Humidity:     floatPtr(hum),
		Pressure:     floatPtr(pressure),
		AirQuality:   floatPtr(airQuality),
	}
	if rec.Telemetry.UpdatedAt, err = timePtr(telemetryAt); err != nil {
		return nil, fmt.Errorf("parsing telemetry_updated_at: %w", err)
	}
	rec.Position = mesh.PositionStats{
		Latitude:  floatPtr(lat),
		Longitude: floatPtr(lon),
		Altitude:  floatPtr(alt),
	}
	if rec.Position.UpdatedAt, err = timePtr(positionAt); err != nil {
		return nil, fmt.Errorf("parsing position_updated_at: %w", err)
	}
	rec.Routing = mesh.RoutingStats{Originated: originated.Int64, Relayed: relayed.Int64}
	return &rec, nil
}
