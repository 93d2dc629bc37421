// ABOUTME: Bridge orchestrator that owns the networks, the store and the analytics components
// ABOUTME: Runs the gRPC health and HTTP servers plus the maintenance loop until shutdown

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mesh-bridge/internal/auth"
	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/dedupe"
	"github.com/2389/mesh-bridge/internal/health"
	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/ingest"
	"github.com/2389/mesh-bridge/internal/metrics"
	"github.com/2389/mesh-bridge/internal/normalize"
	"github.com/2389/mesh-bridge/internal/radio"
	"github.com/2389/mesh-bridge/internal/stats"
	"github.com/2389/mesh-bridge/internal/store"
	"github.com/2389/mesh-bridge/internal/topology"
)

// ErrPersistenceFailing is returned by Run when the store error rate tripped
// the health monitor. The process should exit so a supervisor restarts it.
var ErrPersistenceFailing = errors.New("persistence failing")

// defaultGRPCAddr serves gRPC health when server.grpc_addr is unset.
const defaultGRPCAddr = "localhost:50051"

// dedupeMaxEntries bounds the sighting cache.
const dedupeMaxEntries = 50000

// Bridge wires the networks to the ingest pipeline and serves the read and
// admin APIs.
type Bridge struct {
	config *config.Config

	store      *store.SQLiteStore
	seen       *dedupe.Cache
	aggregator *stats.Aggregator
	tracker    *topology.Tracker
	reports    *Reports
	directory  *identity.Directory
	resolver   *identity.Resolver
	radio      *radio.Manager
	pipeline   *ingest.Pipeline
	health     *health.ErrorRateMonitor
	gate       *auth.Gate

	registry *prometheus.Registry
	metrics  *metrics.Recorder

	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	now    func() time.Time
	logger *slog.Logger

	// mu guards the maintenance bookkeeping below.
	mu            sync.Mutex
	lastBroadcast time.Time
	lastFlush     time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a bridge whose networks are dialed as configured.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	primary, err := radio.NetworkFromConfig("primary", cfg.Networks.Primary, false, logger)
	if err != nil {
		return nil, fmt.Errorf("primary network: %w", err)
	}
	var secondary *radio.Network
	if cfg.Networks.Secondary != nil {
		n, err := radio.NetworkFromConfig("secondary", *cfg.Networks.Secondary, true, logger)
		if err != nil {
			return nil, fmt.Errorf("secondary network: %w", err)
		}
		secondary = &n
	}
	return NewWithNetworks(cfg, primary, secondary, logger)
}

// NewWithNetworks creates a bridge over already described networks.
func NewWithNetworks(cfg *config.Config, primary radio.Network, secondary *radio.Network, logger *slog.Logger) (*Bridge, error) {
	logger = logger.With("component", "bridge")

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path, store.Options{
		BusyRetries: cfg.Database.BusyRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	b := &Bridge{
		config:   cfg,
		store:    sqlStore,
		seen:     dedupe.New(cfg.Networks.DedupeWindow, dedupeMaxEntries),
		health:   health.NewErrorRateMonitor(cfg.Database.ErrorWindow, cfg.Database.ErrorThreshold, logger),
		gate:     auth.NewGate(cfg.Admin.Secret),
		registry: registry,
		metrics:  recorder,
		now:      time.Now,
		logger:   logger,
	}

	b.aggregator = stats.New(logger)
	b.tracker = topology.NewTracker(sqlStore, cfg.Database.NeighborRetention, logger)
	b.reports = newReports(sqlStore, b.aggregator, b.tracker, logger)
	b.directory = identity.NewDirectory(sqlStore, logger)

	b.radio = radio.NewManager(radio.Options{
		Primary:   primary,
		Secondary: secondary,
		Metrics:   recorder,
	}, logger)

	var contacts identity.ContactDirectory
	if secondary != nil {
		contacts = b.radio
	}
	b.resolver = identity.NewResolver(b.directory, contacts, identity.ResolverOptions{
		NegativeSize: cfg.Identity.NegativeCacheSize,
		NegativeTTL:  cfg.Identity.NegativeTTL,
	}, logger)

	b.pipeline = ingest.New(ingest.Options{
		Normalizer: normalize.New(b.seen, logger),
		Aggregator: b.aggregator,
		Store:      sqlStore,
		Neighbors:  b.tracker,
		Identities: b.directory,
		Health:     b.health,
		Notifier:   ingest.NewMessageNotifier(cfg.Admin.NotifyNode, b.radio, logger),
		Metrics:    recorder,
	}, logger)
	b.radio.SetHandler(b.pipeline.Handle)

	b.grpcServer, b.grpcHealth = newGRPCServer(logger)
	b.httpServer = &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !b.gate.Enabled() {
		logger.Warn("admin.secret is not set, maintenance endpoints are disabled")
	}
	return b, nil
}

// Pipeline exposes the write path.
func (b *Bridge) Pipeline() *ingest.Pipeline {
	return b.pipeline
}

// Radio exposes the network manager.
func (b *Bridge) Radio() *radio.Manager {
	return b.radio
}

// restore rebuilds in-memory state from the store.
func (b *Bridge) restore(ctx context.Context) error {
	if _, err := b.directory.Load(ctx); err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	records, err := b.store.ListNodeStats(ctx)
	if err != nil {
		return fmt.Errorf("loading node statistics: %w", err)
	}
	b.aggregator.Load(records)
	b.metrics.SetNodes(b.aggregator.Len())
	return nil
}

// checkpointNodes writes every in-memory record back to the store. Records
// whose last observation failed to persist are ahead of the stored row;
// rows that are already current are left alone by the store.
func (b *Bridge) checkpointNodes(ctx context.Context) error {
	for _, rec := range b.aggregator.Snapshot() {
		if err := b.store.UpsertNodeStats(ctx, rec); err != nil {
			if errors.Is(err, store.ErrClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Run restores state, brings up the networks and servers, and blocks until
// ctx is canceled, a server fails, or persistence health trips.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.restore(ctx); err != nil {
		_ = b.gracefulShutdown()
		return err
	}
	if err := b.radio.Start(ctx); err != nil {
		_ = b.gracefulShutdown()
		return err
	}
	b.updateNetworkHealth()

	grpcListener, httpListener, err := b.setupListeners(ctx)
	if err != nil {
		_ = b.gracefulShutdown()
		return err
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		b.maintenanceLoop(loopCtx)
	}()

	errCh := b.startServers(grpcListener, httpListener)
	runErr := b.waitForShutdownSignal(ctx, errCh)

	stopLoop()
	<-loopDone
	shutdownErr := b.gracefulShutdown()

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (b *Bridge) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	b.logger.Info("starting bridge",
		"grpc_addr", b.config.Server.GRPCAddr,
		"http_addr", b.config.Server.HTTPAddr,
	)

	grpcAddr := b.config.Server.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = defaultGRPCAddr
	}
	grpcLn, err = net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", b.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (b *Bridge) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if b.config.Tailscale.Enabled {
		if b.config.Server.GRPCAddr != "" || b.config.Server.HTTPAddr != "" {
			b.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", b.config.Server.GRPCAddr,
				"http_addr", b.config.Server.HTTPAddr,
			)
		}
		return b.setupTailscaleListeners(ctx)
	}
	return b.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (b *Bridge) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		b.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := b.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		b.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := b.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for cancellation, a server error or a health trip.
func (b *Bridge) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
		return nil
	case <-b.health.Tripped():
		b.logger.Error("persistence error rate exceeded, shutting down for restart",
			"failures", b.health.Failures(),
			"last_error", b.health.LastError(),
		)
		return fmt.Errorf("%w: %w", ErrPersistenceFailing, b.health.LastError())
	case err := <-errCh:
		b.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			b.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mesh-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (b *Bridge) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := b.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	b.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	b.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := b.tsnetServer.Up(ctx)
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	b.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = b.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = b.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = b.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (b *Bridge) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		b.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	b.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (b *Bridge) shutdownGRPCServer(ctx context.Context) {
	b.grpcHealth.Shutdown()

	stopped := make(chan struct{})
	go func() {
		b.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		b.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and networks, flushes pending identities and
// closes the store. Later calls return the first call's result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	b.logger.Info("shutting down bridge")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", b.httpServer.Shutdown(ctx))
	b.shutdownGRPCServer(ctx)

	b.radio.Close()

	if b.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", b.tsnetServer.Close())
	}
	if _, err := b.directory.Flush(ctx); err != nil {
		errs = appendCloseError(errs, "identity flush", err)
	}
	errs = appendCloseError(errs, "node checkpoint", b.checkpointNodes(ctx))
	errs = appendCloseError(errs, "store close", b.store.Close())
	b.seen.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
