// ABOUTME: Dual-network interface manager: connection lifecycle, reply routing, silence watchdog
// ABOUTME: One read loop per live connection; panics while handling a packet are recovered

package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/metrics"
	"github.com/2389/mesh-bridge/internal/normalize"
)

// disconnectTimeout bounds how long we wait for a read loop to exit.
const disconnectTimeout = 5 * time.Second

// Handler receives every packet read from any network.
type Handler func(ctx context.Context, raw normalize.Raw, source mesh.Source)

// Dialer opens a new connection to one network.
type Dialer func(ctx context.Context) (Conn, error)

// Network describes one configured network.
type Network struct {
	Name             string // config label, e.g. "primary"
	Kind             string
	Source           mesh.Source
	Dial             Dialer
	SilenceThreshold time.Duration
}

// Options configures a Manager.
type Options struct {
	Primary   Network
	Secondary *Network
	Handler   Handler
	Metrics   *metrics.Recorder
}

// NetworkStatus is a point-in-time view of one network.
type NetworkStatus struct {
	Name            string      `json:"name"`
	Kind            string      `json:"kind"`
	Source          mesh.Source `json:"source"`
	Connected       bool        `json:"connected"`
	LifetimePackets int64       `json:"lifetime_packets"`
	SessionPackets  int64       `json:"session_packets"`
	LastPacket      *time.Time  `json:"last_packet,omitempty"`
	ConnectedAt     *time.Time  `json:"connected_at,omitempty"`
	Reconnects      int         `json:"reconnects"`
	LastError       string      `json:"last_error,omitempty"`
}

// link is the runtime state of one network.
type link struct {
	net Network

	mu          sync.Mutex
	conn        Conn
	cancel      context.CancelFunc
	done        chan struct{}
	up          bool
	lastPacket  time.Time
	connectedAt time.Time
	reconnects  int
	lastErr     string

	lifetime atomic.Int64
	session  atomic.Int64
}

func (l *link) current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return nil
	}
	return l.conn
}

func (l *link) touch(at time.Time) {
	l.lifetime.Add(1)
	l.session.Add(1)
	l.mu.Lock()
	l.lastPacket = at
	l.mu.Unlock()
}

// Manager owns the network connections.
type Manager struct {
	primary   *link
	secondary *link
	senders   *SenderMap
	handler   Handler
	metrics   *metrics.Recorder
	now       func() time.Time
	logger    *slog.Logger

	// base is the context read loops run under; set by Start.
	base context.Context
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	m := &Manager{
		primary: &link{net: opts.Primary},
		senders: NewSenderMap(opts.Primary.Source),
		handler: opts.Handler,
		metrics: opts.Metrics,
		now:     time.Now,
		logger:  logger.With("component", "radio"),
		base:    context.Background(),
	}
	if opts.Secondary != nil {
		m.secondary = &link{net: *opts.Secondary}
	}
	return m
}

// SetHandler replaces the packet handler. Call before Start.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// Senders exposes the sender -> network map.
func (m *Manager) Senders() *SenderMap {
	return m.senders
}

func (m *Manager) links() []*link {
	if m.secondary == nil {
		return []*link{m.primary}
	}
	return []*link{m.primary, m.secondary}
}

func (m *Manager) linkFor(source mesh.Source) *link {
	for _, l := range m.links() {
		if l.net.Source == source {
			return l
		}
	}
	return nil
}

// Start brings up each network independently. A primary failure is fatal;
// a secondary failure leaves the bridge in single-network mode until the
// watchdog reconnects it.
func (m *Manager) Start(ctx context.Context) error {
	m.base = ctx

	if err := m.connect(ctx, m.primary); err != nil {
		return fmt.Errorf("%w: %w", ErrNoPrimary, err)
	}
	if m.secondary != nil {
		if err := m.connect(ctx, m.secondary); err != nil {
			m.logger.Warn("secondary network unavailable, running single-network",
				"network", m.secondary.net.Name,
				"error", err,
			)
		}
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, l *link) error {
	conn, err := l.net.Dial(ctx)
	if err != nil {
		l.mu.Lock()
		l.lastErr = err.Error()
		l.mu.Unlock()
		m.metrics.SetConnected(string(l.net.Source), false)
		return err
	}

	runCtx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.done = done
	l.up = true
	l.connectedAt = m.now()
	l.lastPacket = time.Time{}
	l.lastErr = ""
	l.mu.Unlock()
	l.session.Store(0)

	m.metrics.SetConnected(string(l.net.Source), true)
	m.logger.Info("=== NETWORK CONNECTED ===", "network", l.net.Name, "kind", l.net.Kind, "source", l.net.Source)

	go m.readLoop(runCtx, l, conn, done)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, l *link, conn Conn, done chan struct{}) {
	defer close(done)
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("read loop panic: %v", r)
				m.logger.Error("read loop panicked", "network", l.net.Name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err = conn.Run(ctx, func(raw normalize.Raw) {
			m.OnPacket(ctx, raw, l.net.Source)
		})
	}()

	if ctx.Err() != nil {
		return
	}
	m.logger.Warn("=== NETWORK DISCONNECTED ===", "network", l.net.Name, "error", err)

	l.mu.Lock()
	if l.conn == conn {
		l.up = false
		if err != nil {
			l.lastErr = err.Error()
		}
	}
	l.mu.Unlock()
	m.metrics.SetConnected(string(l.net.Source), false)
}

// disconnect stops l's read loop and closes its connection.
func (m *Manager) disconnect(l *link) {
	l.mu.Lock()
	conn, cancel, done := l.conn, l.cancel, l.done
	l.conn, l.cancel, l.done = nil, nil, nil
	l.up = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !IsTransient(err) {
			m.logger.Debug("closing connection", "network", l.net.Name, "error", err)
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(disconnectTimeout):
			m.logger.Warn("read loop did not exit", "network", l.net.Name)
		}
	}
	m.metrics.SetConnected(string(l.net.Source), false)
}

// OnPacket records which network the sender was heard on, updates the
// network's counters, and forwards the packet to the handler. A panic in
// the handler is logged and the packet skipped.
func (m *Manager) OnPacket(ctx context.Context, raw normalize.Raw, source mesh.Source) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling packet",
				"source", source,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if from := raw.Header().From; from != "" {
		m.senders.Record(from, source)
	}
	if l := m.linkFor(source); l != nil {
		l.touch(m.now())
	}
	m.metrics.ObservePacket(string(source))

	if m.handler != nil {
		m.handler(ctx, raw, source)
	}
}

// Send routes a reply to the network its recipient was last heard on, or
// the primary network when unknown or when that network is down.
func (m *Manager) Send(ctx context.Context, r Reply) error {
	if r.To == "" || r.To == mesh.BroadcastID {
		return m.Broadcast(ctx, r.Text)
	}
	l := m.linkFor(m.senders.Lookup(r.To))
	if l == nil || l.current() == nil {
		l = m.primary
	}
	return m.sendOn(ctx, l, r.To, r.Text, r.Channel)
}

// SendDirect sends text to one node on the default channel.
func (m *Manager) SendDirect(ctx context.Context, to, text string) error {
	return m.Send(ctx, Reply{To: to, Text: text})
}

// Broadcast sends text to everyone on the primary network only.
func (m *Manager) Broadcast(ctx context.Context, text string) error {
	return m.sendOn(ctx, m.primary, mesh.BroadcastID, text, 0)
}

// MirrorBroadcast sends an administrative announcement to every connected
// network.
func (m *Manager) MirrorBroadcast(ctx context.Context, text string) error {
	var errs []error
	for _, l := range m.links() {
		if err := m.sendOn(ctx, l, mesh.BroadcastID, text, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) sendOn(ctx context.Context, l *link, to, text string, channel int) error {
	network := string(l.net.Source)
	conn := l.current()
	if conn == nil {
		m.metrics.ObserveSend(network, "error")
		return fmt.Errorf("%s: %w", l.net.Name, ErrNotConnected)
	}

	if err := conn.SendText(ctx, to, text, channel); err != nil {
		if IsTransient(err) {
			m.logger.Debug("send skipped, connection closing", "network", l.net.Name, "to", to, "error", err)
			m.metrics.ObserveSend(network, "skipped")
			return nil
		}
		m.metrics.ObserveSend(network, "error")
		return fmt.Errorf("sending on %s: %w", l.net.Name, err)
	}
	m.metrics.ObserveSend(network, "ok")
	m.logger.Debug("message sent", "network", l.net.Name, "to", to, "chars", len(text))
	return nil
}

// LookupContact asks the secondary network's contact directory. It fails
// with ErrNotConnected when that network is absent or down.
func (m *Manager) LookupContact(ctx context.Context, prefix string) (identity.Contact, error) {
	if m.secondary == nil {
		return identity.Contact{}, identity.ErrContactNotFound
	}
	conn := m.secondary.current()
	if conn == nil {
		return identity.Contact{}, fmt.Errorf("%s: %w", m.secondary.net.Name, ErrNotConnected)
	}
	dir, ok := conn.(identity.ContactDirectory)
	if !ok {
		return identity.Contact{}, identity.ErrContactNotFound
	}
	return dir.LookupContact(ctx, prefix)
}

// Watchdog reconnects any network that has been silent longer than its
// threshold, and retries networks that are down. Reconnecting resets the
// session counters only.
func (m *Manager) Watchdog(ctx context.Context) {
	now := m.now()
	for _, l := range m.links() {
		l.mu.Lock()
		up := l.up
		ref := l.lastPacket
		if ref.IsZero() {
			ref = l.connectedAt
		}
		l.mu.Unlock()

		switch {
		case !up:
			m.reconnect(ctx, l, "down")
		case l.net.SilenceThreshold > 0 && now.Sub(ref) > l.net.SilenceThreshold:
			m.logger.Warn("network silent, reconnecting",
				"network", l.net.Name,
				"silent_for", now.Sub(ref).Round(time.Second),
				"threshold", l.net.SilenceThreshold,
			)
			m.reconnect(ctx, l, "silence")
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, l *link, reason string) {
	m.disconnect(l)
	l.mu.Lock()
	l.reconnects++
	l.mu.Unlock()
	m.metrics.ObserveReconnect(string(l.net.Source), reason)

	if err := m.connect(ctx, l); err != nil {
		m.logger.Warn("reconnect failed", "network", l.net.Name, "reason", reason, "error", err)
	}
}

// Status returns a snapshot of every configured network.
func (m *Manager) Status() []NetworkStatus {
	var out []NetworkStatus
	for _, l := range m.links() {
		l.mu.Lock()
		st := NetworkStatus{
			Name:            l.net.Name,
			Kind:            l.net.Kind,
			Source:          l.net.Source,
			Connected:       l.up,
			LifetimePackets: l.lifetime.Load(),
			SessionPackets:  l.session.Load(),
			Reconnects:      l.reconnects,
			LastError:       l.lastErr,
		}
		if !l.lastPacket.IsZero() {
			t := l.lastPacket
			st.LastPacket = &t
		}
		if l.up {
			t := l.connectedAt
			st.ConnectedAt = &t
		}
		l.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Totals returns packet counts summed across networks.
func (m *Manager) Totals() (lifetime, session int64) {
	for _, l := range m.links() {
		lifetime += l.lifetime.Load()
		session += l.session.Load()
	}
	return lifetime, session
}

// Connected reports whether the network for source is up.
func (m *Manager) Connected(source mesh.Source) bool {
	l := m.linkFor(source)
	return l != nil && l.current() != nil
}

// Close stops every read loop and closes every connection.
func (m *Manager) Close() {
	for _, l := range m.links() {
		m.disconnect(l)
	}
	m.logger.Info("all networks closed")
}
