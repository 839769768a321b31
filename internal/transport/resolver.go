// ABOUTME: Resolves the transport target for a backend server and gates on readiness
// ABOUTME: Wraps the runtime manager so callers see one error shape per failure

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/toolgate/internal/runtime"
	"github.com/2389/toolgate/internal/store"
)

// ErrNotReady means a local server is deployed but cannot take calls yet.
var ErrNotReady = errors.New("server is not ready")

// Resolver picks the transport for a server.
type Resolver struct {
	runtime runtime.Manager
	logger  *slog.Logger
}

// NewResolver creates a resolver backed by the runtime manager.
func NewResolver(manager runtime.Manager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{runtime: manager, logger: logger.With("component", "transport")}
}

// Resolve returns the live target for server. Local servers that are not
// ready yield ErrNotReady.
func (r *Resolver) Resolve(ctx context.Context, server *store.Server) (*runtime.Target, error) {
	target, err := r.runtime.Target(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("resolving transport for %s: %w", server.ID, err)
	}
	ready, err := r.runtime.Ready(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotReady, server.Name, err)
	}
	if !ready {
		r.logger.Info("server not ready", "server_id", server.ID, "kind", target.Kind)
		return nil, fmt.Errorf("%w: %s", ErrNotReady, server.Name)
	}
	return target, nil
}
