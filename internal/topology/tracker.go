// ABOUTME: Neighbor topology tracker: records NeighborInfo edges, sweeps old ones, renders reports
// ABOUTME: Edges are directional in storage; reports count each unordered pair once

package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/normalize"
	"github.com/2389/mesh-bridge/internal/report"
)

// DefaultWindow is how long an edge counts as current.
const DefaultWindow = 48 * time.Hour

// topN bounds the per-node ranking in detailed reports.
const topN = 10

// ErrInvalidEdge is returned for an edge without both endpoints, or a self loop.
var ErrInvalidEdge = errors.New("invalid neighbor edge")

// EdgeStore is the persistence the tracker needs.
type EdgeStore interface {
	UpsertNeighbors(ctx context.Context, edges []mesh.NeighborEdge) error
	NeighborEdges(ctx context.Context, since time.Time) ([]mesh.NeighborEdge, error)
	PruneNeighbors(ctx context.Context, before time.Time) (int64, error)
}

// NodeLookup supplies the names learned from NodeInfo, for report filters.
type NodeLookup interface {
	Get(id string) (*mesh.NodeRecord, bool)
}

// Tracker maintains the neighbor graph.
type Tracker struct {
	store  EdgeStore
	nodes  NodeLookup
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. A zero window uses DefaultWindow.
func NewTracker(store EdgeStore, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		store:  store,
		window: window,
		now:    time.Now,
		logger: logger.With("component", "topology"),
	}
}

// SetNodes lets report filters match node names as well as ids.
func (t *Tracker) SetNodes(nodes NodeLookup) {
	t.nodes = nodes
}

// Record upserts the edge node -> neighbor observed now.
func (t *Tracker) Record(ctx context.Context, node, neighbor string, snr *float64, lastRx *time.Time, interval int) error {
	e, err := t.edge(node, neighbor, snr, lastRx, interval, t.now())
	if err != nil {
		return err
	}
	return t.store.UpsertNeighbors(ctx, []mesh.NeighborEdge{e})
}

// RecordPayload stores every edge of a NeighborInfo report. The payload may
// be the canonical struct, the wire struct or bytes, a map, or JSON. reporter
// is used when the payload does not name its own node. Returns the number of
// edges written.
func (t *Tracker) RecordPayload(ctx context.Context, reporter string, observedAt time.Time, payload any) (int, error) {
	info, err := normalize.ExtractNeighborInfo(payload)
	if err != nil {
		return 0, err
	}
	node := info.NodeID
	if node == "" {
		node = reporter
	}
	if observedAt.IsZero() {
		observedAt = t.now()
	}

	edges := make([]mesh.NeighborEdge, 0, len(info.Neighbors))
	for _, n := range info.Neighbors {
		interval := n.BroadcastInterval
		if interval == 0 {
			interval = info.BroadcastInterval
		}
		var lastRx *time.Time
		if !n.LastRxTime.IsZero() {
			at := n.LastRxTime
			lastRx = &at
		}
		e, err := t.edge(node, n.NodeID, n.SNR, lastRx, interval, observedAt)
		if err != nil {
			t.logger.Debug("skipping neighbor entry", "node", node, "neighbor", n.NodeID, "error", err)
			continue
		}
		edges = append(edges, e)
	}
	if len(edges) == 0 {
		return 0, nil
	}
	if err := t.store.UpsertNeighbors(ctx, edges); err != nil {
		return 0, err
	}
	t.logger.Debug("neighbor report recorded", "node", node, "edges", len(edges))
	return len(edges), nil
}

func (t *Tracker) edge(node, neighbor string, snr *float64, lastRx *time.Time, interval int, at time.Time) (mesh.NeighborEdge, error) {
	node = mesh.NormalizeNodeID(node)
	neighbor = mesh.NormalizeNodeID(neighbor)
	if node == "" || neighbor == "" || node == neighbor {
		return mesh.NeighborEdge{}, fmt.Errorf("%w: %q -> %q", ErrInvalidEdge, node, neighbor)
	}
	return mesh.NeighborEdge{
		NodeID:            node,
		NeighborID:        neighbor,
		SNR:               snr,
		LastRxTime:        lastRx,
		BroadcastInterval: interval,
		ObservedAt:        at,
	}, nil
}

// Cleanup deletes edges older than window. A zero window uses the tracker's.
func (t *Tracker) Cleanup(ctx context.Context, window time.Duration) (int64, error) {
	if window <= 0 {
		window = t.window
	}
	n, err := t.store.PruneNeighbors(ctx, t.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("sweeping neighbor edges: %w", err)
	}
	if n > 0 {
		t.logger.Info("stale neighbor edges removed", "count", n, "window", window)
	}
	return n, nil
}

// graph is the undirected view of the current edges.
type graph struct {
	adj       map[string]map[string]*float64 // best SNR per neighbor
	links     int
	snrs      []float64
	oldest    time.Time
	newest    time.Time
	edgeCount int
}

func buildGraph(edges []mesh.NeighborEdge) *graph {
	g := &graph{adj: make(map[string]map[string]*float64)}
	pairs := make(map[[2]string]struct{})
	for _, e := range edges {
		g.connect(e.NodeID, e.NeighborID, e.SNR)
		g.connect(e.NeighborID, e.NodeID, e.SNR)
		a, b := mesh.PairKey(e.NodeID, e.NeighborID)
		pairs[[2]string{a, b}] = struct{}{}
		if e.SNR != nil {
			g.snrs = append(g.snrs, *e.SNR)
		}
		if g.oldest.IsZero() || e.ObservedAt.Before(g.oldest) {
			g.oldest = e.ObservedAt
		}
		if e.ObservedAt.After(g.newest) {
			g.newest = e.ObservedAt
		}
	}
	g.links = len(pairs)
	g.edgeCount = len(edges)
	return g
}

func (g *graph) connect(a, b string, snr *float64) {
	m, ok := g.adj[a]
	if !ok {
		m = make(map[string]*float64)
		g.adj[a] = m
	}
	cur, seen := m[b]
	if !seen || (snr != nil && (cur == nil || *snr > *cur)) {
		m[b] = snr
	}
}

type ranked struct {
	id      string
	degree  int
	bestSNR *float64
}

func (g *graph) ranking() []ranked {
	out := make([]ranked, 0, len(g.adj))
	for id, nbrs := range g.adj {
		r := ranked{id: id, degree: len(nbrs)}
		for _, snr := range nbrs {
			if snr != nil && (r.bestSNR == nil || *snr > *r.bestSNR) {
				r.bestSNR = snr
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].degree != out[j].degree {
			return out[i].degree > out[j].degree
		}
		return out[i].id < out[j].id
	})
	return out
}

func (g *graph) averageDegree() float64 {
	if len(g.adj) == 0 {
		return 0
	}
	degrees := make([]float64, 0, len(g.adj))
	for _, nbrs := range g.adj {
		degrees = append(degrees, float64(len(nbrs)))
	}
	return stat.Mean(degrees, nil)
}

// Report summarizes edges inside the window. A non-empty filter keeps only
// edges touching a node whose id, long name or short name contains it,
// ignoring case. Compact output fits one radio
// message.
func (t *Tracker) Report(ctx context.Context, filter string, compact bool) (report.Result, error) {
	edges, err := t.store.NeighborEdges(ctx, t.now().Add(-t.window))
	if err != nil {
		return report.Result{}, fmt.Errorf("loading neighbor edges: %w", err)
	}
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter != "" {
		match := t.matcher(filter)
		kept := edges[:0]
		for _, e := range edges {
			if match(e.NodeID) || match(e.NeighborID) {
				kept = append(kept, e)
			}
		}
		edges = kept
	}
	if len(edges) == 0 {
		if filter != "" {
			return report.Empty(fmt.Sprintf("No neighbors for %s in %s", filter, report.Window(t.window))), nil
		}
		return report.Empty(fmt.Sprintf("No neighbor data in %s", report.Window(t.window))), nil
	}

	g := buildGraph(edges)
	if compact {
		return report.Text(t.compact(g)), nil
	}
	return report.Text(t.detailed(g)), nil
}

// matcher returns a case-insensitive substring test against a node's id and
// its long and short names. Results are memoized for one report.
func (t *Tracker) matcher(filter string) func(id string) bool {
	idFilter := strings.TrimPrefix(filter, "!")
	seen := make(map[string]bool)
	return func(id string) bool {
		if m, ok := seen[id]; ok {
			return m
		}
		m := idFilter != "" && strings.Contains(id, idFilter)
		if !m && t.nodes != nil {
			if rec, ok := t.nodes.Get(id); ok {
				m = (rec.LongName != "" && strings.Contains(strings.ToLower(rec.LongName), filter)) ||
					(rec.ShortName != "" && strings.Contains(strings.ToLower(rec.ShortName), filter))
			}
		}
		seen[id] = m
		return m
	}
}

func (t *Tracker) compact(g *graph) string {
	parts := []string{fmt.Sprintf("Mesh %s: %d nodes, %d links, avg deg %.1f",
		report.Window(t.window), len(g.adj), g.links, g.averageDegree())}
	for _, r := range g.ranking() {
		parts = append(parts, fmt.Sprintf("%s(%d)", r.id, r.degree))
	}
	return report.Join(parts...)
}

func (t *Tracker) detailed(g *graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Neighbor topology (last %s)\n", report.Window(t.window))
	fmt.Fprintf(&b, "Nodes: %d  Links: %d  Reports: %d  Avg degree: %.2f\n",
		len(g.adj), g.links, g.edgeCount, g.averageDegree())
	if len(g.snrs) > 0 {
		mean, sd := stat.MeanStdDev(g.snrs, nil)
		if len(g.snrs) < 2 {
			sd = 0
		}
		fmt.Fprintf(&b, "SNR: mean %.1f dB, sd %.1f dB (n=%d)\n", mean, sd, len(g.snrs))
	}
	fmt.Fprintf(&b, "Observed: %s to %s\n",
		g.oldest.UTC().Format(time.RFC3339), g.newest.UTC().Format(time.RFC3339))

	b.WriteString("Top nodes by neighbor count:\n")
	for i, r := range g.ranking() {
		if i == topN {
			break
		}
		fmt.Fprintf(&b, "  %d. %s: %d neighbors", i+1, r.id, r.degree)
		if r.bestSNR != nil {
			fmt.Fprintf(&b, " (best SNR %.1f dB)", *r.bestSNR)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
