// ABOUTME: Read API: node statistics, neighbor topology, propagation links, top talkers
// ABOUTME: Every query returns report.Result; an empty store is NoData, not an error

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/propagation"
	"github.com/2389/mesh-bridge/internal/radio"
	"github.com/2389/mesh-bridge/internal/report"
	"github.com/2389/mesh-bridge/internal/stats"
	"github.com/2389/mesh-bridge/internal/store"
	"github.com/2389/mesh-bridge/internal/topology"
)

const (
	// DefaultReportWindow is the look-back used when a query gives none.
	DefaultReportWindow = 24 * time.Hour
	// DefaultTopN bounds ranked reports when a query gives no limit.
	DefaultTopN = 5
)

// Reports answers the analytical queries. It needs only the store and the
// aggregator, so it also serves offline tools that never start a network.
type Reports struct {
	store      *store.SQLiteStore
	aggregator *stats.Aggregator
	tracker    *topology.Tracker
	analyzer   *propagation.Analyzer
	now        func() time.Time
}

func newReports(s *store.SQLiteStore, agg *stats.Aggregator, tracker *topology.Tracker, logger *slog.Logger) *Reports {
	tracker.SetNodes(agg)
	return &Reports{
		store:      s,
		aggregator: agg,
		tracker:    tracker,
		analyzer:   propagation.NewAnalyzer(s, agg, logger),
		now:        time.Now,
	}
}

// OpenReports opens the configured database read side for offline queries.
// Close releases the store.
func OpenReports(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Reports, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path, store.Options{BusyRetries: cfg.Database.BusyRetries}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	records, err := s.ListNodeStats(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading node statistics: %w", err)
	}
	agg := stats.New(logger)
	agg.Load(records)
	return newReports(s, agg, topology.NewTracker(s, cfg.Database.NeighborRetention, logger), logger), nil
}

// Close closes the store opened by OpenReports.
func (r *Reports) Close() error {
	return r.store.Close()
}

// QueryNodeStats renders the cumulative statistics of one node. Ids are
// accepted in any of the textual forms radios emit.
func (r *Reports) QueryNodeStats(ctx context.Context, id string, compact bool) (report.Result, error) {
	rec, err := r.lookupNode(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return report.Empty(fmt.Sprintf("No data for node %s", strings.TrimSpace(id))), nil
	}
	if err != nil {
		return report.Result{}, err
	}
	return report.Text(stats.Render(rec, r.now(), compact)), nil
}

func (r *Reports) lookupNode(ctx context.Context, id string) (*mesh.NodeRecord, error) {
	norm := mesh.NormalizeNodeID(id)
	if norm == "" || norm == mesh.BroadcastID {
		return nil, store.ErrNotFound
	}
	candidates := []string{norm}
	if !strings.HasPrefix(norm, "!") {
		candidates = append(candidates, "!"+norm)
	}

	for _, c := range candidates {
		if rec, ok := r.aggregator.Get(c); ok {
			return rec, nil
		}
	}
	for _, c := range candidates {
		rec, err := r.store.NodeStats(ctx, c)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading node %s: %w", c, err)
		}
	}
	return nil, store.ErrNotFound
}

// NeighborReport summarizes the neighbor graph.
func (r *Reports) NeighborReport(ctx context.Context, filter string, compact bool) (report.Result, error) {
	return r.tracker.Report(ctx, filter, compact)
}

// TopPropagationLinks ranks the longest directly heard links inside window.
func (r *Reports) TopPropagationLinks(ctx context.Context, window time.Duration, n int, compact bool) (report.Result, error) {
	window, n = reportDefaults(window, n)
	return r.analyzer.Report(ctx, window, n, compact)
}

// TopTalkers ranks nodes by packets sent inside window.
func (r *Reports) TopTalkers(ctx context.Context, window time.Duration, n int, compact bool) (report.Result, error) {
	window, n = reportDefaults(window, n)
	talkers, err := r.store.TopTalkers(ctx, r.now().Add(-window), n)
	if err != nil {
		return report.Result{}, fmt.Errorf("ranking talkers: %w", err)
	}
	return RenderTalkers(talkers, window, r.now(), compact), nil
}

// Reports returns the bridge's query side.
func (b *Bridge) Reports() *Reports {
	return b.reports
}

// QueryNodeStats renders one node's statistics.
func (b *Bridge) QueryNodeStats(ctx context.Context, id string, compact bool) (report.Result, error) {
	return b.reports.QueryNodeStats(ctx, id, compact)
}

// NeighborReport summarizes the neighbor graph.
func (b *Bridge) NeighborReport(ctx context.Context, filter string, compact bool) (report.Result, error) {
	return b.reports.NeighborReport(ctx, filter, compact)
}

// TopPropagationLinks ranks the longest directly heard links.
func (b *Bridge) TopPropagationLinks(ctx context.Context, window time.Duration, n int, compact bool) (report.Result, error) {
	return b.reports.TopPropagationLinks(ctx, window, n, compact)
}

// TopTalkers ranks nodes by packets sent.
func (b *Bridge) TopTalkers(ctx context.Context, window time.Duration, n int, compact bool) (report.Result, error) {
	return b.reports.TopTalkers(ctx, window, n, compact)
}

// ResolveIdentity resolves a public key fingerprint prefix to a node.
func (b *Bridge) ResolveIdentity(ctx context.Context, prefix string) (identity.Entry, error) {
	return b.resolver.Resolve(ctx, prefix)
}

// Status is the operational snapshot served on /api/status.
type Status struct {
	Networks        []radio.NetworkStatus `json:"networks"`
	LifetimePackets int64                 `json:"lifetime_packets"`
	SessionPackets  int64                 `json:"session_packets"`
	Nodes           int                   `json:"nodes"`
	Identities      int                   `json:"identities"`
	Healthy         bool                  `json:"healthy"`
	RecentFailures  int                   `json:"recent_failures"`
	Stored          *store.Counts         `json:"stored,omitempty"`
}

// Status returns the current operational snapshot.
func (b *Bridge) Status(ctx context.Context) Status {
	lifetime, session := b.radio.Totals()
	st := Status{
		Networks:        b.radio.Status(),
		LifetimePackets: lifetime,
		SessionPackets:  session,
		Nodes:           b.aggregator.Len(),
		Identities:      b.directory.Len(),
		Healthy:         b.health.Healthy(),
		RecentFailures:  b.health.Failures(),
	}
	if counts, err := b.store.Counts(ctx); err == nil {
		st.Stored = &counts
	} else {
		b.logger.Debug("counting stored rows", "error", err)
	}
	return st
}

func reportDefaults(window time.Duration, n int) (time.Duration, int) {
	if window <= 0 {
		window = DefaultReportWindow
	}
	if n <= 0 {
		n = DefaultTopN
	}
	return window, n
}

// RenderTalkers formats a top-talkers ranking.
func RenderTalkers(talkers []store.Talker, window time.Duration, now time.Time, compact bool) report.Result {
	if len(talkers) == 0 {
		return report.Empty(fmt.Sprintf("No packets in %s", report.Window(window)))
	}

	if compact {
		parts := []string{fmt.Sprintf("Top %s", report.Window(window))}
		for i, t := range talkers {
			parts = append(parts, fmt.Sprintf("%d.%s %d", i+1, t.DisplayName(), t.Packets))
		}
		return report.Text(report.Join(parts...))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Top talkers (last %s)\n", report.Window(window))
	for i, t := range talkers {
		fmt.Fprintf(&sb, "  %d. %s", i+1, t.DisplayName())
		if t.DisplayName() != t.NodeID {
			fmt.Fprintf(&sb, " [%s]", t.NodeID)
		}
		fmt.Fprintf(&sb, ": %d packets, %s, last %s\n", t.Packets, report.Bytes(t.Bytes), report.Ago(now, t.LastSeen))
	}
	return report.Text(strings.TrimRight(sb.String(), "\n"))
}
