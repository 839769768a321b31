// ABOUTME: Runtime manager describing how each backend tool server is reached
// ABOUTME: Reports transport kind, live endpoint, and readiness for local deployments

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/store"
)

// Kind is the transport used to reach a server.
type Kind string

const (
	// KindHTTP is a persistent Streamable HTTP session.
	KindHTTP Kind = config.TransportHTTP
	// KindAttach is a fresh container attach per call.
	KindAttach Kind = config.TransportAttach
)

// ErrUnknownServer means the runtime has no entry for a server.
var ErrUnknownServer = errors.New("server not known to runtime")

// Target is the live endpoint for one server.
type Target struct {
	ServerID  string
	Kind      Kind
	URL       string // KindHTTP
	Namespace string // KindAttach
	Pod       string // KindAttach
	Container string // KindAttach
	Local     bool
}

// Manager is the runtime collaborator consulted before each call.
type Manager interface {
	// Target resolves how to reach server.
	Target(ctx context.Context, server *store.Server) (*Target, error)

	// Ready reports whether a local deployment can take calls.
	// Remote servers are always ready.
	Ready(ctx context.Context, target *Target) (bool, error)
}

// ReadinessChecker checks whether a target is up.
type ReadinessChecker interface {
	CheckReady(ctx context.Context, target *Target) (bool, error)
}

// StaticManager serves targets from the runtime.servers config table.
type StaticManager struct {
	mu       sync.RWMutex
	targets  map[string]*Target
	checkers map[Kind]ReadinessChecker
	logger   *slog.Logger
}

var _ Manager = (*StaticManager)(nil)

// NewStaticManager builds a manager from config entries. checkers may be nil
// for kinds whose local servers are assumed ready.
func NewStaticManager(cfg config.RuntimeConfig, checkers map[Kind]ReadinessChecker, logger *slog.Logger) (*StaticManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &StaticManager{
		targets:  make(map[string]*Target, len(cfg.Servers)),
		checkers: checkers,
		logger:   logger.With("component", "runtime"),
	}
	for _, s := range cfg.Servers {
		t := &Target{
			ServerID:  s.ID,
			Kind:      Kind(s.Transport),
			URL:       s.URL,
			Namespace: s.Namespace,
			Pod:       s.Pod,
			Container: s.Container,
			Local:     s.Local,
		}
		if t.Kind == "" {
			t.Kind = KindHTTP
		}
		if t.Namespace == "" {
			t.Namespace = cfg.Namespace
		}
		if err := m.Register(t); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds or replaces a target.
func (m *StaticManager) Register(t *Target) error {
	switch {
	case t.ServerID == "":
		return errors.New("runtime target needs a server id")
	case t.Kind == KindHTTP && t.URL == "":
		return fmt.Errorf("runtime target %s: url is required for http", t.ServerID)
	case t.Kind == KindAttach && t.Pod == "":
		return fmt.Errorf("runtime target %s: pod is required for attach", t.ServerID)
	case t.Kind != KindHTTP && t.Kind != KindAttach:
		return fmt.Errorf("runtime target %s: unknown transport %q", t.ServerID, t.Kind)
	}
	c := *t
	m.mu.Lock()
	m.targets[t.ServerID] = &c
	m.mu.Unlock()
	return nil
}

// Target implements Manager.
func (m *StaticManager) Target(ctx context.Context, server *store.Server) (*Target, error) {
	m.mu.RLock()
	t, ok := m.targets[server.ID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server.ID)
	}
	c := *t
	if server.Local {
		c.Local = true
	}
	return &c, nil
}

// Ready implements Manager.
func (m *StaticManager) Ready(ctx context.Context, target *Target) (bool, error) {
	if !target.Local {
		return true, nil
	}
	checker, ok := m.checkers[target.Kind]
	if !ok || checker == nil {
		return true, nil
	}
	ready, err := checker.CheckReady(ctx, target)
	if err != nil {
		m.logger.Warn("readiness check failed", "server_id", target.ServerID, "error", err)
		return false, err
	}
	return ready, nil
}

// HTTPChecker treats any non-5xx answer from the endpoint as ready.
type HTTPChecker struct {
	Client *http.Client
}

// CheckReady implements ReadinessChecker.
func (p *HTTPChecker) CheckReady(ctx context.Context, target *Target) (bool, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500, nil
}
