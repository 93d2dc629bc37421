// ABOUTME: In-memory identity directory with an explicit load/learn/flush lifecycle
// ABOUTME: Backed by the store; dirty entries are written back on Flush

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/mesh-bridge/internal/store"
)

// Backend persists identities. *store.SQLiteStore implements it.
type Backend interface {
	Identities(ctx context.Context) ([]store.Identity, error)
	UpsertIdentity(ctx context.Context, id store.Identity) error
}

// Entry is a resolved identity. PublicKey is canonical hex.
type Entry struct {
	NodeID    string
	Name      string
	PublicKey string
	UpdatedAt time.Time
}

// Directory maps canonical public keys to node identities.
type Directory struct {
	mu      sync.RWMutex
	byKey   map[string]Entry
	dirty   map[string]struct{}
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// NewDirectory creates an empty directory. Call Load before use.
func NewDirectory(backend Backend, logger *slog.Logger) *Directory {
	return &Directory{
		byKey:   make(map[string]Entry),
		dirty:   make(map[string]struct{}),
		backend: backend,
		now:     time.Now,
		logger:  logger.With("component", "identity"),
	}
}

// Load replaces the in-memory directory with the persisted identities.
// Keys are canonicalized whatever form they were stored in; unreadable keys
// are skipped.
func (d *Directory) Load(ctx context.Context) (int, error) {
	rows, err := d.backend.Identities(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading identities: %w", err)
	}

	byKey := make(map[string]Entry, len(rows))
	for _, row := range rows {
		key, err := CanonicalKey(row.PublicKey)
		if err != nil {
			d.logger.Warn("skipping stored identity", "node_id", row.NodeID, "error", err)
			continue
		}
		byKey[key] = Entry{
			NodeID:    row.NodeID,
			Name:      row.Name,
			PublicKey: key,
			UpdatedAt: row.UpdatedAt,
		}
	}

	d.mu.Lock()
	d.byKey = byKey
	d.dirty = make(map[string]struct{})
	d.mu.Unlock()

	d.logger.Info("identity directory loaded", "count", len(byKey))
	return len(byKey), nil
}

// Learn records that nodeID owns key. It reports whether anything changed.
func (d *Directory) Learn(nodeID, name string, key any) (bool, error) {
	canon, err := CanonicalKey(key)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.byKey[canon]
	if ok && existing.NodeID == nodeID && (name == "" || existing.Name == name) {
		return false, nil
	}
	if name == "" && ok {
		name = existing.Name
	}
	d.byKey[canon] = Entry{
		NodeID:    nodeID,
		Name:      name,
		PublicKey: canon,
		UpdatedAt: d.now(),
	}
	d.dirty[canon] = struct{}{}
	return true, nil
}

// Lookup finds the identity whose key starts with prefix (canonical hex).
// When several keys share the prefix the most recently updated wins.
func (d *Directory) Lookup(prefix string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best Entry
	found := false
	for key, e := range d.byKey {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found || e.UpdatedAt.After(best.UpdatedAt) ||
			(e.UpdatedAt.Equal(best.UpdatedAt) && e.PublicKey < best.PublicKey) {
			best, found = e, true
		}
	}
	return best, found
}

// ByNode returns every identity learned for nodeID.
func (d *Directory) ByNode(nodeID string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Entry
	for _, e := range d.byKey {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// Len returns the number of known keys.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKey)
}

// Flush writes dirty entries to the backend. Entries that fail stay dirty
// and are retried on the next flush.
func (d *Directory) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	pending := make([]Entry, 0, len(d.dirty))
	for key := range d.dirty {
		pending = append(pending, d.byKey[key])
	}
	d.dirty = make(map[string]struct{})
	d.mu.Unlock()

	written := 0
	var firstErr error
	for _, e := range pending {
		if err := d.persist(ctx, e); err != nil {
			d.mu.Lock()
			d.dirty[e.PublicKey] = struct{}{}
			d.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}
	if written > 0 {
		d.logger.Debug("flushed identities", "count", written)
	}
	return written, firstErr
}

func (d *Directory) persist(ctx context.Context, e Entry) error {
	err := d.backend.UpsertIdentity(ctx, store.Identity{
		NodeID:    e.NodeID,
		Name:      e.Name,
		PublicKey: e.PublicKey,
		UpdatedAt: e.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("persisting identity %s: %w", e.NodeID, err)
	}
	return nil
}

// Remember learns an identity and persists it immediately.
func (d *Directory) Remember(ctx context.Context, nodeID, name string, key any) (Entry, error) {
	if _, err := d.Learn(nodeID, name, key); err != nil {
		return Entry{}, err
	}
	canon, _ := CanonicalKey(key)

	d.mu.Lock()
	e := d.byKey[canon]
	delete(d.dirty, canon)
	d.mu.Unlock()

	if err := d.persist(ctx, e); err != nil {
		d.mu.Lock()
		d.dirty[canon] = struct{}{}
		d.mu.Unlock()
		return e, err
	}
	return e, nil
}
