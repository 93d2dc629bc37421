// ABOUTME: Two-tier public-key prefix resolution: local directory, then network contacts
// ABOUTME: Misses are remembered briefly in an expiring LRU to avoid repeated network queries

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnresolved means neither tier knows the prefix. Callers must not reply
// to a synthetic address in its place.
var ErrUnresolved = errors.New("identity unresolved")

// ErrContactNotFound is returned by a ContactDirectory that has no match.
var ErrContactNotFound = errors.New("contact not found")

// Contact is a network directory entry.
type Contact struct {
	NodeID    string
	Name      string
	PublicKey any
}

// ContactDirectory queries a network stack's own contact list.
type ContactDirectory interface {
	LookupContact(ctx context.Context, prefix string) (Contact, error)
}

// ResolverOptions tunes the negative cache. A zero NegativeTTL disables it.
type ResolverOptions struct {
	NegativeSize int
	NegativeTTL  time.Duration
}

// Resolver resolves fingerprint prefixes to identities.
type Resolver struct {
	dir      *Directory
	contacts ContactDirectory
	negative *expirable.LRU[string, struct{}]
	logger   *slog.Logger
}

// NewResolver creates a resolver. contacts may be nil when no network
// exposes a contact directory.
func NewResolver(dir *Directory, contacts ContactDirectory, opts ResolverOptions, logger *slog.Logger) *Resolver {
	r := &Resolver{
		dir:      dir,
		contacts: contacts,
		logger:   logger.With("component", "resolver"),
	}
	if opts.NegativeTTL > 0 {
		size := opts.NegativeSize
		if size <= 0 {
			size = 256
		}
		r.negative = expirable.NewLRU[string, struct{}](size, nil, opts.NegativeTTL)
	}
	return r
}

// Resolve maps a fingerprint prefix to an identity.
func (r *Resolver) Resolve(ctx context.Context, prefix string) (Entry, error) {
	p, err := CanonicalPrefix(prefix)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	if e, ok := r.dir.Lookup(p); ok {
		return e, nil
	}

	if r.contacts == nil {
		return Entry{}, ErrUnresolved
	}
	if r.negative != nil {
		if _, ok := r.negative.Get(p); ok {
			return Entry{}, ErrUnresolved
		}
	}

	c, err := r.contacts.LookupContact(ctx, p)
	if err != nil {
		if errors.Is(err, ErrContactNotFound) {
			r.remember(p)
			return Entry{}, ErrUnresolved
		}
		// Transport trouble is not evidence the contact is missing.
		r.logger.Debug("contact lookup failed", "prefix", p, "error", err)
		return Entry{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	key, err := CanonicalKey(c.PublicKey)
	if err != nil || !strings.HasPrefix(key, p) || c.NodeID == "" {
		r.logger.Warn("contact directory returned a mismatched entry", "prefix", p, "node_id", c.NodeID)
		r.remember(p)
		return Entry{}, ErrUnresolved
	}

	e, err := r.dir.Remember(ctx, c.NodeID, c.Name, key)
	if err != nil {
		// The entry is still usable from memory and will be flushed later.
		r.logger.Warn("persisting resolved identity failed", "node_id", c.NodeID, "error", err)
	}
	r.logger.Info("identity resolved via contact directory", "prefix", p, "node_id", e.NodeID)
	return e, nil
}

func (r *Resolver) remember(prefix string) {
	if r.negative != nil {
		r.negative.Add(prefix, struct{}{})
	}
}

// NegativeLen returns the number of cached misses.
func (r *Resolver) NegativeLen() int {
	if r.negative == nil {
		return 0
	}
	return r.negative.Len()
}
