// ABOUTME: Opens MCP clients to backend servers and runs operations on them
// ABOUTME: HTTP sessions are resumed from stored records with exactly one fresh retry when stale

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/runtime"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/toolcall"
)

// ErrSessionRetryFailed means a fresh session also failed after a stale one
// was discarded.
var ErrSessionRetryFailed = errors.New("session lost again after retry")

// errResumeFailed marks a connect failure while presenting a stored session id.
var errResumeFailed = errors.New("resuming stored session failed")

// Op is work done on a connected client. It may run twice when the first
// session turns out to be stale.
type Op func(ctx context.Context, client mcp.Client) error

// Dialer opens MCP clients.
type Dialer interface {
	DialHTTP(ctx context.Context, cfg mcp.HTTPClientConfig) (mcp.Client, error)
	DialAttach(ctx context.Context, target *runtime.Target) (mcp.Client, error)
}

// HeaderSource supplies per-server connection headers.
type HeaderSource interface {
	GetServerHeaders(ctx context.Context, serverID string) (map[string]string, error)
}

// ConnectorConfig wires a Connector.
type ConnectorConfig struct {
	Sessions *session.Service
	Secrets  HeaderSource // optional
	Dialer   Dialer
	Logger   *slog.Logger
}

// Connector runs operations against backend servers.
type Connector struct {
	sessions *session.Service
	secrets  HeaderSource
	dialer   Dialer
	logger   *slog.Logger
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session service is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		sessions: cfg.Sessions,
		secrets:  cfg.Secrets,
		dialer:   cfg.Dialer,
		logger:   logger.With("component", "connector"),
	}, nil
}

// Do connects to target on behalf of key and runs op.
//
// Attach targets get a fresh attach that is closed afterwards. HTTP targets
// resume the stored session when one exists. If resuming fails at connect
// time for any reason, or op fails because the session is unknown to the
// server, the record is deleted and op runs once more on a brand-new session.
// A second session failure is terminal. No retry starts once ctx is done.
func (c *Connector) Do(ctx context.Context, key toolcall.ConnectionKey, target *runtime.Target, op Op) error {
	if target.Kind == runtime.KindAttach {
		return c.doAttach(ctx, target, op)
	}

	sessionID, err := c.storedSession(ctx, key, target)
	if err != nil {
		return err
	}

	err = c.attemptHTTP(ctx, key, target, sessionID, op)
	if err == nil || !(mcp.IsSessionLost(err) || errors.Is(err, errResumeFailed)) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	c.logger.Warn("session lost, retrying with a new session",
		"connection_key", key.String(),
		"session_id", sessionID,
		"error", err,
	)
	if invErr := c.sessions.Invalidate(ctx, key); invErr != nil {
		return errors.Join(err, invErr)
	}

	err = c.attemptHTTP(ctx, key, target, "", op)
	if err != nil && mcp.IsSessionLost(err) {
		if invErr := c.sessions.Invalidate(ctx, key); invErr != nil {
			c.logger.Warn("dropping stale session failed", "connection_key", key.String(), "error", invErr)
		}
		return fmt.Errorf("%w: %w", ErrSessionRetryFailed, err)
	}
	return err
}

func (c *Connector) storedSession(ctx context.Context, key toolcall.ConnectionKey, target *runtime.Target) (string, error) {
	rec, err := c.sessions.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	if rec.EndpointURL != "" && rec.EndpointURL != target.URL {
		// the server moved; its old session cannot be resumed elsewhere
		return "", nil
	}
	return rec.SessionID, nil
}

func (c *Connector) attemptHTTP(ctx context.Context, key toolcall.ConnectionKey, target *runtime.Target, sessionID string, op Op) error {
	headers, err := c.headers(ctx, target.ServerID)
	if err != nil {
		return err
	}
	client, err := c.dialer.DialHTTP(ctx, mcp.HTTPClientConfig{
		URL:       target.URL,
		SessionID: sessionID,
		Headers:   headers,
		Logger:    c.logger,
	})
	if err != nil {
		if sessionID != "" && ctx.Err() == nil {
			return fmt.Errorf("connecting to %s: %w: %w", target.ServerID, errResumeFailed, err)
		}
		return fmt.Errorf("connecting to %s: %w", target.ServerID, err)
	}
	defer client.Close()

	if id := client.SessionID(); id != "" {
		if err := c.sessions.Save(ctx, key, id, session.Endpoint{URL: target.URL, Pod: target.Pod}); err != nil {
			c.logger.Warn("saving session failed", "connection_key", key.String(), "error", err)
		}
	}
	return op(ctx, client)
}

func (c *Connector) doAttach(ctx context.Context, target *runtime.Target, op Op) error {
	client, err := c.dialer.DialAttach(ctx, target)
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", target.ServerID, err)
	}
	defer client.Close()
	return op(ctx, client)
}

func (c *Connector) headers(ctx context.Context, serverID string) (map[string]string, error) {
	if c.secrets == nil {
		return nil, nil
	}
	headers, err := c.secrets.GetServerHeaders(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading headers for %s: %w", serverID, err)
	}
	return headers, nil
}

// NetDialer dials real servers: HTTP over net/http, attach through an Attacher.
type NetDialer struct {
	HTTPClient *http.Client
	Attacher   runtime.Attacher
	Logger     *slog.Logger
}

// DialHTTP implements Dialer.
func (d *NetDialer) DialHTTP(ctx context.Context, cfg mcp.HTTPClientConfig) (mcp.Client, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = d.HTTPClient
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	return mcp.ConnectHTTP(ctx, cfg)
}

// DialAttach implements Dialer.
func (d *NetDialer) DialAttach(ctx context.Context, target *runtime.Target) (mcp.Client, error) {
	if d.Attacher == nil {
		return nil, errors.New("no attacher configured")
	}
	rwc, err := d.Attacher.Attach(ctx, target)
	if err != nil {
		return nil, err
	}
	return mcp.ConnectStdio(ctx, rwc, d.Logger)
}
