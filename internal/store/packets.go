// ABOUTME: Packet history: the observation write path, window scans, and top talkers
// ABOUTME: Every observation is its own row; duplicates heard on two radios are both kept

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// RecordObservation appends the packet and upserts the sender's statistics
// in one transaction.
func (s *SQLiteStore) RecordObservation(ctx context.Context, pkt *mesh.Packet, rec *mesh.NodeRecord) error {
	return s.write(ctx, "recording observation", func(tx *sql.Tx) error {
		if err := insertPacket(ctx, tx, pkt); err != nil {
			return err
		}
		if rec != nil {
			if err := upsertNodeStats(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertPacket(ctx context.Context, tx *sql.Tx, pkt *mesh.Packet) error {
	payload, err := encodePayload(pkt.Payload)
	if err != nil {
		return err
	}

	var lat, lon, alt *float64
	if pos, ok := pkt.Payload.(mesh.PositionPayload); ok && pos.ValidFix() {
		lat, lon, alt = &pos.Latitude, &pos.Longitude, pos.Altitude
	}
	var tel mesh.TelemetryPayload
	if t, ok := pkt.Payload.(mesh.TelemetryPayload); ok {
		tel = t
	}

	query := `
		INSERT INTO packets (
			observation_id, packet_id, source, from_id, to_id, channel, kind,
			size_bytes, rssi, snr, payload, received_at,
			hop_limit, hop_start, receiver_id, relay_node, first_sighting,
			latitude, longitude, altitude,
			battery_level, voltage, temperature, humidity, pressure, air_quality
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		pkt.ObservationID,
		int64(pkt.PacketID),
		string(pkt.Source),
		pkt.FromID,
		pkt.ToID,
		pkt.Channel,
		string(pkt.Kind),
		pkt.SizeBytes,
		nullInt(pkt.RSSI),
		nullFloat(pkt.SNR),
		payload,
		formatTime(pkt.ReceivedAt),
		nullInt(pkt.HopLimit),
		nullInt(pkt.HopStart),
		nullString(pkt.ReceiverID),
		nullString(pkt.RelayNode),
		pkt.FirstSighting,
		nullFloat(lat),
		nullFloat(lon),
		nullFloat(alt),
		nullFloat(tel.BatteryLevel),
		nullFloat(tel.Voltage),
		nullFloat(tel.Temperature),
		nullFloat(tel.Humidity),
		nullFloat(tel.Pressure),
		nullFloat(tel.AirQuality),
	)
	if err != nil {
		return fmt.Errorf("inserting packet: %w", err)
	}
	return nil
}

// PacketsSince returns observations received at or after since, oldest
// first. When kinds is non-empty only those kinds are returned.
func (s *SQLiteStore) PacketsSince(ctx context.Context, since time.Time, kinds ...mesh.PayloadKind) ([]*mesh.Packet, error) {
	query := `
		SELECT observation_id, packet_id, source, from_id, to_id, channel, kind,
			size_bytes, rssi, snr, payload, received_at,
			hop_limit, hop_start, receiver_id, relay_node, first_sighting
		FROM packets
		WHERE received_at >= ?
	`
	args := []any{formatTime(since)}
	if len(kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += " ORDER BY received_at ASC, observation_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying packets: %w", err)
	}
	defer rows.Close()

	var out []*mesh.Packet
	for rows.Next() {
		pkt, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating packets: %w", err)
	}
	return out, nil
}

func scanPacket(rows *sql.Rows) (*mesh.Packet, error) {
	var (
		pkt                   mesh.Packet
		packetID              int64
		source, kind          string
		rssi                  sql.NullInt64
		snr                   sql.NullFloat64
		payload               sql.NullString
		receivedAt            string
		hopLimit, hopStart    sql.NullInt64
		receiverID, relayNode sql.NullString
		firstSighting         sql.NullBool
	)
	err := rows.Scan(
		&pkt.ObservationID, &packetID, &source, &pkt.FromID, &pkt.ToID, &pkt.Channel, &kind,
		&pkt.SizeBytes, &rssi, &snr, &payload, &receivedAt,
		&hopLimit, &hopStart, &receiverID, &relayNode, &firstSighting,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning packet: %w", err)
	}

	pkt.PacketID = uint32(packetID)
	pkt.Source = mesh.Source(source)
	pkt.Kind = mesh.PayloadKind(kind)
	pkt.RSSI = intPtr(rssi)
	pkt.SNR = floatPtr(snr)
	pkt.HopLimit = intPtr(hopLimit)
	pkt.HopStart = intPtr(hopStart)
	pkt.ReceiverID = receiverID.String
	pkt.RelayNode = relayNode.String
	pkt.FirstSighting = !firstSighting.Valid || firstSighting.Bool

	if pkt.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, fmt.Errorf("parsing received_at: %w", err)
	}
	if pkt.Payload, err = decodePayload(pkt.Kind, payload.String); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// TopTalkers ranks senders by observations received at or after since.
func (s *SQLiteStore) TopTalkers(ctx context.Context, since time.Time, limit int) ([]Talker, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT p.from_id, COUNT(*) AS packets, COALESCE(SUM(p.size_bytes), 0) AS bytes,
			MAX(p.received_at), COALESCE(ns.long_name, ''), COALESCE(ns.short_name, '')
		FROM packets p
		LEFT JOIN node_stats ns ON ns.node_id = p.from_id
		WHERE p.received_at >= ?
		GROUP BY p.from_id
		ORDER BY packets DESC, bytes DESC, p.from_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("querying top talkers: %w", err)
	}
	defer rows.Close()

	var out []Talker
	for rows.Next() {
		var t Talker
		var lastSeen string
		if err := rows.Scan(&t.NodeID, &t.Packets, &t.Bytes, &lastSeen, &t.LongName, &t.ShortName); err != nil {
			return nil, fmt.Errorf("scanning talker: %w", err)
		}
		if t.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last seen: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating talkers: %w", err)
	}
	return out, nil
}

// PrunePackets deletes observations received before the cutoff.
func (s *SQLiteStore) PrunePackets(ctx context.Context, before time.Time) (int64, error) {
	return s.pruneBatched(ctx, "packets", "received_at", before)
}

// pruneBatch bounds how long one sweep transaction holds the write lock,
// so ingestion interleaves with a large retention sweep.
const pruneBatch = 500

// pruneBatched deletes rows with column < before in short transactions.
func (s *SQLiteStore) pruneBatched(ctx context.Context, table, column string, before time.Time) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE %s < ? LIMIT %d)`,
		table, table, column, pruneBatch,
	)
	cutoff := formatTime(before)

	var total int64
	for {
		var n int64
		err := s.write(ctx, "pruning "+table, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, cutoff)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < pruneBatch {
			return total, nil
		}
	}
}
