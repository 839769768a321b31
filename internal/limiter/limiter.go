// ABOUTME: Per-connection-key bounded parallelism for backend tool calls
// ABOUTME: Each key gets a weighted semaphore sized on first use and dropped when idle

package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter gates work per key.
type Limiter interface {
	// Run executes fn once fewer than limit calls for key are in flight.
	// It returns ctx's error if the slot is not granted before ctx ends.
	Run(ctx context.Context, key string, limit int64, fn func(ctx context.Context) error) error
}

type gate struct {
	sem   *semaphore.Weighted
	limit int64
	refs  int
}

// Keyed is the process-wide Limiter. Calls for different keys never block
// each other.
type Keyed struct {
	mu     sync.Mutex
	gates  map[string]*gate
	logger *slog.Logger
}

var _ Limiter = (*Keyed)(nil)

// New creates an empty keyed limiter.
func New(logger *slog.Logger) *Keyed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyed{
		gates:  make(map[string]*gate),
		logger: logger.With("component", "limiter"),
	}
}

// Run implements Limiter. The first caller for a key fixes its limit until
// the key goes idle.
func (k *Keyed) Run(ctx context.Context, key string, limit int64, fn func(ctx context.Context) error) error {
	if limit < 1 {
		return fmt.Errorf("limit for %s must be at least 1, got %d", key, limit)
	}

	g := k.acquireGate(key, limit)
	defer k.releaseGate(key, g)

	if err := g.sem.Acquire(ctx, 1); err != nil {
		k.logger.Debug("gave up waiting for slot", "key", key, "error", err)
		return err
	}
	defer g.sem.Release(1)

	return fn(ctx)
}

func (k *Keyed) acquireGate(key string, limit int64) *gate {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.gates[key]
	if !ok {
		g = &gate{sem: semaphore.NewWeighted(limit), limit: limit}
		k.gates[key] = g
	} else if g.limit != limit {
		k.logger.Warn("limit changed while key busy", "key", key, "current", g.limit, "requested", limit)
	}
	g.refs++
	return g
}

func (k *Keyed) releaseGate(key string, g *gate) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g.refs--
	if g.refs == 0 && k.gates[key] == g {
		delete(k.gates, key)
	}
}

// Keys returns the number of keys with callers running or waiting.
func (k *Keyed) Keys() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.gates)
}
