// ABOUTME: Gateway orchestrator that wires the store, router, trust engine, and servers
// ABOUTME: Manages HTTP, gRPC health, and tailscale listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/toolgate/internal/api"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/credentials"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/limiter"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/runtime"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/transform"
	"github.com/2389/toolgate/internal/transport"
	"github.com/2389/toolgate/internal/trust"
)

// healthService is the gRPC health service name reported for the gateway.
const healthService = "toolgate"

// Gateway owns every long-lived toolgate component.
type Gateway struct {
	config      *config.Config
	store       store.Store
	events      events.Writer
	trust       *trust.Engine
	router      *router.Router
	transformer *transform.Transformer
	pruner      *session.Pruner
	mcpServer   *mcp.Server
	mcpTokens   *mcp.TokenStore
	api         *api.API
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	baseURL     string
	logger      *slog.Logger
}

// Option customizes gateway construction.
type Option func(*options)

type options struct {
	store  store.Store
	events events.Writer
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEvents uses w instead of the configured event sink.
func WithEvents(w events.Writer) Option {
	return func(o *options) { o.events = w }
}

// OpenStore opens the configured database. TOOLGATE_DB_PATH overrides the
// sqlite path.
func OpenStore(cfg *config.Config) (*store.SQLStore, error) {
	path := cfg.Database.Path
	if envPath := os.Getenv("TOOLGATE_DB_PATH"); envPath != "" {
		path = envPath
	}
	s, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		Path:   path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// openEvents connects the ClickHouse sink, or logs events when none is configured.
func openEvents(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (events.Writer, error) {
	if cfg.ClickHouseDSN == "" {
		logger.Info("no clickhouse_dsn configured, logging events")
		return events.NewLogWriter(logger.With("component", "events")), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	w, err := events.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, events.ClickHouseOptions{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger.With("component", "events"),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing events: %w", err)
	}
	return w, nil
}

// determineBaseURL resolves the externally reachable URL used in MCP token links.
// Priority: TOOLGATE_URL env > tailscale hostname > http_addr.
func determineBaseURL(cfg *config.Config) string {
	if envURL := os.Getenv("TOOLGATE_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// newRuntimeManager builds the static runtime with kubectl and HTTP readiness checks.
func newRuntimeManager(cfg config.RuntimeConfig, kubectl *runtime.KubectlAttacher, logger *slog.Logger) (*runtime.StaticManager, error) {
	checkers := map[runtime.Kind]runtime.ReadinessChecker{
		runtime.KindHTTP:   &runtime.HTTPChecker{Client: &http.Client{Timeout: 5 * time.Second}},
		runtime.KindAttach: kubectl,
	}
	m, err := runtime.NewStaticManager(cfg, checkers, logger.With("component", "runtime"))
	if err != nil {
		return nil, fmt.Errorf("initializing runtime: %w", err)
	}
	return m, nil
}

// seedPolicies imports the configured seed file, if any.
func seedPolicies(ctx context.Context, path string, s store.PolicyStore, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	policies, err := trust.LoadSeedFile(path)
	if err != nil {
		return err
	}
	n, err := trust.Import(ctx, s, policies, logger.With("component", "trust-seed"))
	if err != nil {
		return err
	}
	logger.Info("seeded trust policies", "path", path, "count", n)
	return nil
}

// newGRPCServer creates the gRPC server carrying the standard health service.
func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a Gateway from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		sqlStore, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		s = sqlStore
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		baseURL: determineBaseURL(cfg),
		logger:  logger.With("component", "gateway"),
	}
	if err := gw.build(ctx, o, logger); err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(ctx context.Context, o options, logger *slog.Logger) error {
	cfg := g.config

	g.events = o.events
	if g.events == nil {
		w, err := openEvents(ctx, cfg.Events, logger)
		if err != nil {
			return err
		}
		g.events = w
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}
	admin, err := auth.NewAdminTokenChecker(cfg.Auth.AdminTokenHash)
	if err != nil {
		return err
	}
	if !admin.Enabled() {
		g.logger.Warn("policy mutations are open - no admin_token_hash configured")
	}

	g.trust = trust.NewEngine(g.store, g.store, trust.Options{
		Mode:   trust.Mode(cfg.Trust.Mode),
		Logger: logger,
	})
	if err := seedPolicies(ctx, cfg.Trust.SeedFile, g.store, logger); err != nil {
		return fmt.Errorf("seeding trust policies: %w", err)
	}

	kubectl := runtime.NewKubectlAttacher(cfg.Runtime.KubectlPath, logger.With("component", "kubectl"))
	manager, err := newRuntimeManager(cfg.Runtime, kubectl, logger)
	if err != nil {
		return err
	}

	sessions := session.NewService(g.store, logger)
	if cfg.Sessions.PruneSchedule != "" {
		g.pruner, err = session.NewPruner(sessions, cfg.Sessions.PruneSchedule, cfg.Sessions.MaxAge, logger)
		if err != nil {
			return fmt.Errorf("initializing session pruner: %w", err)
		}
	}

	connector, err := transport.NewConnector(transport.ConnectorConfig{
		Sessions: sessions,
		Secrets:  g.store,
		Dialer: &transport.NetDialer{
			HTTPClient: &http.Client{},
			Attacher:   kubectl,
			Logger:     logger.With("component", "mcp-client"),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("initializing connector: %w", err)
	}

	g.transformer = transform.New(transform.Options{
		RenderTimeout:  cfg.Templates.RenderTimeout,
		MaxOutputBytes: cfg.Templates.MaxOutputBytes,
		MaxConcurrent:  cfg.Templates.MaxConcurrent,
		Logger:         logger,
	})

	g.router, err = router.New(router.Config{
		Registry:             g.store,
		Credentials:          credentials.NewResolver(g.store, cfg.Gateway.InstallBaseURL, logger),
		Targets:              transport.NewResolver(manager, logger),
		Connector:            connector,
		Limiter:              limiter.New(logger),
		Transformer:          g.transformer,
		InteractiveStreaming: cfg.Gateway.InteractiveStreaming,
		HTTPConcurrency:      int64(cfg.Gateway.HTTPConcurrency),
		AttachConcurrency:    int64(cfg.Gateway.AttachConcurrency),
		ListToolsTimeout:     cfg.Gateway.ListToolsTimeout,
		ListToolsCacheTTL:    cfg.Gateway.ListToolsCacheTTL,
		CallTimeout:          cfg.Gateway.CallTimeout,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("initializing router: %w", err)
	}

	g.mcpTokens = mcp.NewTokenStore()
	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Tools:         g.store,
		Executor:      g.router,
		Evaluator:     g.trust,
		Events:        g.events,
		Logger:        logger,
		TokenVerifier: verifier,
		TokenStore:    g.mcpTokens,
		RequireAuth:   cfg.Auth.RequireAuth,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	g.api, err = api.New(api.Config{
		Executor:    g.router,
		Evaluator:   g.trust,
		Policies:    g.store,
		Events:      g.events,
		Verifier:    verifier,
		RequireAuth: cfg.Auth.RequireAuth,
		Admin:       admin,
		MCP:         g.mcpServer,
		MCPTokens:   g.mcpTokens,
		BaseURL:     g.baseURL,
		Ready:       g.store.Ping,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating API: %w", err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.health = health.NewServer()
		g.grpcServer = newGRPCServer(g.health)
	}
	return nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// BaseURL returns the URL embedded in minted MCP links.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Router returns the tool call router.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// listeners holds the sockets Run serves on. grpc is nil when the health
// service is disabled.
type listeners struct {
	grpc net.Listener
	http net.Listener
}

func (l listeners) close() {
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
	if l.http != nil {
		_ = l.http.Close()
	}
}

func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	srv := g.config.Server
	if g.config.Tailscale.Enabled {
		if srv.GRPCAddr != "" || srv.HTTPAddr != "" {
			g.logger.Warn("server addresses ignored while tailscale is enabled",
				"grpc_addr", srv.GRPCAddr,
				"http_addr", srv.HTTPAddr,
			)
		}
		return g.listenTailnet(ctx)
	}

	var ls listeners
	var err error
	if g.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", srv.GRPCAddr); err != nil {
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if ls.http, err = net.Listen("tcp", srv.HTTPAddr); err != nil {
		ls.close()
		return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ls, nil
}

// serve runs each server on its listener. Failures land on the returned
// channel; a clean HTTP close does not.
func (g *Gateway) serve(ls listeners) <-chan error {
	errCh := make(chan error, 2)
	if ls.grpc != nil {
		go func() {
			g.logger.Info("→ gRPC health listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	go func() {
		g.logger.Info("→ HTTP listening", "addr", ls.http.Addr().String(), "base_url", g.baseURL)
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// It returns nil after a cancel-driven shutdown that closed cleanly.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}

	if g.pruner != nil {
		g.pruner.Start()
	}
	if g.health != nil {
		g.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	}

	errCh := g.serve(ls)
	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("stopping: context canceled")
	case serveErr = <-errCh:
		g.logger.Error("stopping: server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		g.logger.Debug("server error during shutdown", "error", err)
	default:
	}
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// tailnetStateDir defaults to ~/.local/share/toolgate/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "toolgate", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers the configured key over TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// listenTailnet joins the tailnet and listens on it: gRPC health on :50051,
// HTTP on :80, or :443 with tailnet certificates (https) or publicly (funnel).
func (g *Gateway) listenTailnet(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	dir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{Hostname: tsCfg.Hostname, Dir: dir, Ephemeral: tsCfg.Ephemeral, AuthKey: authKey}
	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", dir, "ephemeral", tsCfg.Ephemeral)

	ls, err := g.tailnetListeners(ctx, tsCfg)
	if err != nil {
		ls.close()
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return listeners{}, err
	}
	return ls, nil
}

func (g *Gateway) tailnetListeners(ctx context.Context, tsCfg config.TailscaleConfig) (listeners, error) {
	var ls listeners
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return ls, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetNode(tsCfg.Hostname, status)

	if ls.grpc, err = g.tsnetServer.Listen("tcp", ":50051"); err != nil {
		return ls, fmt.Errorf("listening on tailnet :50051: %w", err)
	}

	switch {
	case tsCfg.Funnel:
		g.logger.Info("funnel enabled, HTTPS is public on :443")
		ls.http, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	case tsCfg.HTTPS:
		ls.http, err = g.tailnetTLS()
	default:
		ls.http, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		return ls, fmt.Errorf("listening on tailnet HTTP: %w", err)
	}
	return ls, nil
}

// tailnetTLS serves :443 with certificates provisioned by the tailnet.
func (g *Gateway) tailnetTLS() (net.Listener, error) {
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{GetCertificate: lc.GetCertificate, MinVersion: tls.VersionTLS12}), nil
}

func (g *Gateway) logTailnetNode(hostname string, status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailnet node has no addresses yet")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailnet node up", "hostname", hostname, "tailscale_ip", ip, "dns_name", dnsName)

	// MCP token URLs are fixed at startup; the full DNS name arrives only now.
	if dnsName != "" && os.Getenv("TOOLGATE_URL") == "" && !strings.Contains(g.baseURL, dnsName) {
		g.logger.Info("set TOOLGATE_URL to put the tailnet DNS name in MCP token links",
			"base_url", g.baseURL,
			"dns_name", dnsName,
		)
	}
}

// stopGRPC drains in-flight health checks, forcing a stop once ctx ends.
func (g *Gateway) stopGRPC(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	if g.health != nil {
		g.health.Shutdown()
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// closeComponents releases whatever build managed to create.
func (g *Gateway) closeComponents() {
	if g.router != nil {
		g.router.Close()
	}
	if g.transformer != nil {
		g.transformer.Close()
	}
	if g.events != nil {
		g.events.Close()
	}
}

// Shutdown stops the servers, the pruner and the tailnet node, then closes
// every component and the store. Errors are joined.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.stopGRPC(ctx)
	if g.pruner != nil {
		g.pruner.Stop(ctx)
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	g.closeComponents()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
