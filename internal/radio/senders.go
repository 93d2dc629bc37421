// ABOUTME: Sender -> network map used to route replies back where a node was heard
// ABOUTME: Last write wins; unknown senders fall back to the primary network

package radio

import (
	"sync"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// SenderMap remembers which network each sender was last heard on.
// Readers may see a slightly stale mapping; that only affects routing
// of a reply racing a network change.
type SenderMap struct {
	mu       sync.RWMutex
	bySender map[string]mesh.Source
	fallback mesh.Source
}

// NewSenderMap creates a map that answers fallback for unknown senders.
func NewSenderMap(fallback mesh.Source) *SenderMap {
	return &SenderMap{
		bySender: make(map[string]mesh.Source),
		fallback: fallback,
	}
}

// Record notes that id was heard on source.
func (s *SenderMap) Record(id string, source mesh.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySender[id] = source
}

// Lookup returns the network id was last heard on, or the fallback.
func (s *SenderMap) Lookup(id string) mesh.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src, ok := s.bySender[id]; ok {
		return src
	}
	return s.fallback
}

// Len returns the number of known senders.
func (s *SenderMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySender)
}
