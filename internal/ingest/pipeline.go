// ABOUTME: Ingestion pipeline: every observed packet flows through here exactly once
// ABOUTME: Normalize, aggregate, persist, then feed topology and identity side channels

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/metrics"
	"github.com/2389/mesh-bridge/internal/normalize"
	"github.com/2389/mesh-bridge/internal/stats"
)

// ObservationStore persists one observation and the node's updated snapshot.
type ObservationStore interface {
	RecordObservation(ctx context.Context, pkt *mesh.Packet, rec *mesh.NodeRecord) error
}

// NeighborRecorder stores the edges of a NeighborInfo report.
type NeighborRecorder interface {
	RecordPayload(ctx context.Context, reporter string, observedAt time.Time, payload any) (int, error)
}

// KeyLearner remembers which node owns a public key.
type KeyLearner interface {
	Learn(nodeID, name string, key any) (bool, error)
}

// ErrorRecorder counts persistence failures.
type ErrorRecorder interface {
	Record(err error)
}

// Options wires a Pipeline. Normalizer, Aggregator and Store are required.
type Options struct {
	Normalizer *normalize.Normalizer
	Aggregator *stats.Aggregator
	Store      ObservationStore
	Neighbors  NeighborRecorder
	Identities KeyLearner
	Health     ErrorRecorder
	Notifier   Notifier
	Metrics    *metrics.Recorder
}

// Pipeline is the write path. The history in the store is the source of
// truth; the aggregator is its in-memory projection.
type Pipeline struct {
	normalizer *normalize.Normalizer
	aggregator *stats.Aggregator
	store      ObservationStore
	neighbors  NeighborRecorder
	identities KeyLearner
	health     ErrorRecorder
	notifier   Notifier
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// New creates a pipeline.
func New(opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		normalizer: opts.Normalizer,
		aggregator: opts.Aggregator,
		store:      opts.Store,
		neighbors:  opts.Neighbors,
		identities: opts.Identities,
		health:     opts.Health,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "ingest"),
	}
}

// Ingest processes one raw packet observed on source. The aggregator is
// updated and one observation is written for every packet with a sender,
// whatever its kind. A persistence failure is returned after the side
// channels have still been fed, so the in-memory view stays current.
func (p *Pipeline) Ingest(ctx context.Context, raw normalize.Raw, source mesh.Source) (*mesh.Packet, error) {
	pkt, err := p.normalizer.Normalize(raw, source)
	if err != nil {
		return nil, err
	}

	rec, created := p.aggregator.Update(pkt)

	start := time.Now()
	writeErr := p.store.RecordObservation(ctx, pkt, rec)
	p.metrics.ObserveWrite(time.Since(start), writeErr)
	if writeErr != nil {
		p.recordFailure(writeErr)
		p.logger.Error("failed to persist observation",
			"from", pkt.FromID,
			"kind", pkt.Kind,
			"source", source,
			"error", writeErr,
		)
		writeErr = fmt.Errorf("persisting observation from %s: %w", pkt.FromID, writeErr)
	}
	p.metrics.ObserveIngest(string(source), string(pkt.Kind), pkt.FirstSighting)
	p.metrics.SetNodes(p.aggregator.Len())

	switch payload := pkt.Payload.(type) {
	case mesh.NeighborInfoPayload:
		p.recordNeighbors(ctx, pkt, payload)
	case mesh.NodeInfoPayload:
		p.learnIdentity(pkt, payload)
	}

	if created && pkt.FirstSighting && p.notifier != nil {
		p.notifier.NodeDiscovered(ctx, rec, pkt)
	}

	p.logger.Debug("packet ingested",
		"from", pkt.FromID,
		"kind", pkt.Kind,
		"source", source,
		"first_sighting", pkt.FirstSighting,
	)
	return pkt, writeErr
}

// Handle is the radio manager's packet handler. Errors are logged, never
// propagated to the read loop.
func (p *Pipeline) Handle(ctx context.Context, raw normalize.Raw, source mesh.Source) {
	// Persistence errors were already logged and counted by Ingest.
	if _, err := p.Ingest(ctx, raw, source); errors.Is(err, normalize.ErrNoSender) {
		p.logger.Debug("dropping frame without sender", "source", source)
	}
}

func (p *Pipeline) recordNeighbors(ctx context.Context, pkt *mesh.Packet, payload mesh.NeighborInfoPayload) {
	if p.neighbors == nil {
		return
	}
	n, err := p.neighbors.RecordPayload(ctx, pkt.FromID, pkt.ReceivedAt, payload)
	if err != nil {
		p.recordFailure(err)
		p.logger.Warn("failed to record neighbor report", "from", pkt.FromID, "error", err)
		return
	}
	p.logger.Debug("neighbor edges recorded", "from", pkt.FromID, "edges", n)
}

func (p *Pipeline) learnIdentity(pkt *mesh.Packet, payload mesh.NodeInfoPayload) {
	if p.identities == nil || len(payload.PublicKey) == 0 {
		return
	}
	changed, err := p.identities.Learn(pkt.FromID, payload.LongName, payload.PublicKey)
	if err != nil {
		p.logger.Debug("ignoring node public key", "from", pkt.FromID, "error", err)
		return
	}
	if changed {
		p.logger.Info("learned node identity", "node", pkt.FromID, "name", payload.LongName)
	}
}

func (p *Pipeline) recordFailure(err error) {
	if p.health != nil {
		p.health.Record(err)
	}
}
