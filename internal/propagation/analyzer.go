// ABOUTME: Propagation link analyzer: longest directly-heard links between positioned nodes
// ABOUTME: Derived on demand from packet history; nothing here is stored

package propagation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/report"
)

// earthRadiusKM is the mean Earth radius.
const earthRadiusKM = 6371.0088

// PacketSource reads packet history.
type PacketSource interface {
	PacketsSince(ctx context.Context, since time.Time, kinds ...mesh.PayloadKind) ([]*mesh.Packet, error)
}

// Locator returns a node's last known fix.
type Locator interface {
	Position(id string) (lat, lon float64, ok bool)
}

// Analyzer computes propagation links.
type Analyzer struct {
	packets PacketSource
	nodes   Locator
	now     func() time.Time
	logger  *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(packets PacketSource, nodes Locator, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		packets: packets,
		nodes:   nodes,
		now:     time.Now,
		logger:  logger.With("component", "propagation"),
	}
}

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

type point struct{ lat, lon float64 }

// TopLinks returns the n longest links heard inside window, longest first.
// n <= 0 returns every link.
func (a *Analyzer) TopLinks(ctx context.Context, window time.Duration, n int) ([]mesh.PropagationLink, error) {
	pkts, err := a.packets.PacketsSince(ctx, a.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("loading packets: %w", err)
	}

	// A packet's own fix is fresher than the aggregator's when the packet
	// carries one; packets arrive oldest first so later fixes win.
	fixes := make(map[string]point)
	for _, p := range pkts {
		if pos, ok := p.Payload.(mesh.PositionPayload); ok && pos.ValidFix() {
			fixes[p.FromID] = point{pos.Latitude, pos.Longitude}
		}
	}
	locate := func(id string) (point, bool) {
		if pt, ok := fixes[id]; ok {
			return pt, true
		}
		lat, lon, ok := a.nodes.Position(id)
		if !ok || !mesh.ValidCoordinates(lat, lon) {
			return point{}, false
		}
		return point{lat, lon}, true
	}

	best := make(map[[2]string]mesh.PropagationLink)
	for _, p := range pkts {
		if !direct(p) {
			continue
		}
		far := farEnd(p)
		if far == "" || far == p.FromID {
			continue
		}
		from, ok := locate(p.FromID)
		if !ok {
			continue
		}
		to, ok := locate(far)
		if !ok {
			continue
		}

		na, nb := mesh.PairKey(p.FromID, far)
		cand := mesh.PropagationLink{
			NodeA:      na,
			NodeB:      nb,
			DistanceKM: Haversine(from.lat, from.lon, to.lat, to.lon),
			SNR:        p.SNR,
			RSSI:       p.RSSI,
			ObservedAt: p.ReceivedAt,
		}
		key := [2]string{na, nb}
		if cur, ok := best[key]; !ok || better(cand, cur) {
			best[key] = cand
		}
	}

	links := make([]mesh.PropagationLink, 0, len(best))
	for _, l := range best {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].DistanceKM != links[j].DistanceKM {
			return links[i].DistanceKM > links[j].DistanceKM
		}
		if links[i].NodeA != links[j].NodeA {
			return links[i].NodeA < links[j].NodeA
		}
		return links[i].NodeB < links[j].NodeB
	})
	if n > 0 && len(links) > n {
		links = links[:n]
	}
	return links, nil
}

// direct reports whether the packet was heard without relays. Unknown hop
// counts are accepted unless a relay says otherwise.
func direct(p *mesh.Packet) bool {
	if p.Relayed() {
		return false
	}
	hops, ok := p.HopsTraveled()
	return !ok || hops == 0
}

// farEnd is the local node that heard the packet, since that is where the
// hop count and signal were measured. A directed packet with no known
// receiver falls back to its destination.
func farEnd(p *mesh.Packet) string {
	if p.ReceiverID != "" {
		return p.ReceiverID
	}
	if !p.IsBroadcast() {
		return p.ToID
	}
	return ""
}

// better reports whether cand replaces cur: higher SNR wins; equal or
// missing SNR falls back to the more recent sample.
func better(cand, cur mesh.PropagationLink) bool {
	if cand.SNR != nil && cur.SNR != nil && *cand.SNR != *cur.SNR {
		return *cand.SNR > *cur.SNR
	}
	return cand.ObservedAt.After(cur.ObservedAt)
}

// Report renders TopLinks as text.
func (a *Analyzer) Report(ctx context.Context, window time.Duration, n int, compact bool) (report.Result, error) {
	links, err := a.TopLinks(ctx, window, n)
	if err != nil {
		return report.Result{}, err
	}
	if len(links) == 0 {
		return report.Empty(fmt.Sprintf("No positioned direct links in %s", report.Window(window))), nil
	}

	if compact {
		parts := []string{fmt.Sprintf("Links %s", report.Window(window))}
		for _, l := range links {
			parts = append(parts, fmt.Sprintf("%s-%s %.1fkm%s", l.NodeA, l.NodeB, l.DistanceKM, snrSuffix(l.SNR)))
		}
		return report.Text(report.Join(parts...)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Longest direct links (last %s)\n", report.Window(window))
	now := a.now()
	for i, l := range links {
		fmt.Fprintf(&b, "  %d. %s <-> %s: %.2f km", i+1, l.NodeA, l.NodeB, l.DistanceKM)
		if l.SNR != nil {
			fmt.Fprintf(&b, ", SNR %.1f dB", *l.SNR)
		}
		if l.RSSI != nil {
			fmt.Fprintf(&b, ", RSSI %d dBm", *l.RSSI)
		}
		fmt.Fprintf(&b, ", %s\n", report.Ago(now, l.ObservedAt))
	}
	return report.Text(strings.TrimRight(b.String(), "\n")), nil
}

func snrSuffix(snr *float64) string {
	if snr == nil {
		return ""
	}
	return fmt.Sprintf(" %.0fdB", *snr)
}
