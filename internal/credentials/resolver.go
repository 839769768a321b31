// ABOUTME: Resolves which backend server instance executes a tool call for a caller
// ABOUTME: Falls through explicit, user, team, and organization scopes before asking for setup

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
)

// ErrAuthRequired is matched by every *AuthRequiredError.
var ErrAuthRequired = errors.New("authentication required")

// AuthRequiredError means no usable server exists for the caller. The caller
// resolves it by installing the tool, then retrying the call.
type AuthRequiredError struct {
	Actor      string
	CatalogID  string
	InstallURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf(
		"Authentication required for %s. No credentials are set up for this tool. "+
			"Set them up at %s and then retry this tool call.",
		e.Actor, e.InstallURL)
}

func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// Registry is the server lookup the resolver needs.
type Registry interface {
	GetServer(ctx context.Context, id string) (*store.Server, error)
	FindUserServer(ctx context.Context, catalogID, userID string) (*store.Server, error)
	FindTeamServer(ctx context.Context, catalogID, teamID string) (*store.Server, error)
	FindOrganizationServer(ctx context.Context, catalogID string) (*store.Server, error)
}

// Resolver picks the server a call runs against.
type Resolver struct {
	registry       Registry
	installBaseURL string
	logger         *slog.Logger
}

// NewResolver creates a resolver. installBaseURL prefixes setup links; when
// empty the links are root-relative.
func NewResolver(registry Registry, installBaseURL string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:       registry,
		installBaseURL: strings.TrimRight(installBaseURL, "/"),
		logger:         logger.With("component", "credentials"),
	}
}

// InstallURL returns the setup link for a catalog entry.
func (r *Resolver) InstallURL(catalogID string) string {
	return r.installBaseURL + "/catalog/" + url.PathEscape(catalogID) + "/install"
}

// Resolve returns the server that executes tool for creds.
//
// A pinned ExecutionServerID always wins. Assignments without dynamic
// credentials run on the server they were registered from. Otherwise scopes
// are tried from most to least specific: a server the user owns, a server
// owned by a member of the caller's team, then an organization-wide server.
// When none exists the error is an *AuthRequiredError.
func (r *Resolver) Resolve(ctx context.Context, tool *store.AgentTool, creds *toolcall.CredentialContext) (*store.Server, error) {
	if tool.ExecutionServerID != "" {
		return r.fixed(ctx, tool.ExecutionServerID)
	}
	if !tool.UseDynamicCredentials {
		return r.fixed(ctx, tool.ServerID)
	}

	type scope struct {
		name string
		find func() (*store.Server, error)
	}
	var scopes []scope
	if creds != nil && creds.UserID != "" {
		scopes = append(scopes, scope{"user", func() (*store.Server, error) {
			return r.registry.FindUserServer(ctx, tool.CatalogID, creds.UserID)
		}})
	}
	if creds != nil && creds.TeamID != "" {
		scopes = append(scopes, scope{"team", func() (*store.Server, error) {
			return r.registry.FindTeamServer(ctx, tool.CatalogID, creds.TeamID)
		}})
	}
	scopes = append(scopes, scope{"organization", func() (*store.Server, error) {
		return r.registry.FindOrganizationServer(ctx, tool.CatalogID)
	}})

	for _, s := range scopes {
		server, err := s.find()
		if err == nil {
			r.logger.Debug("resolved dynamic credentials",
				"catalog_id", tool.CatalogID,
				"scope", s.name,
				"server_id", server.ID,
			)
			return server, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolving %s server for catalog %s: %w", s.name, tool.CatalogID, err)
		}
	}

	r.logger.Info("no usable server for caller",
		"catalog_id", tool.CatalogID,
		"actor", creds.Actor(),
	)
	return nil, &AuthRequiredError{
		Actor:      creds.Actor(),
		CatalogID:  tool.CatalogID,
		InstallURL: r.InstallURL(tool.CatalogID),
	}
}

func (r *Resolver) fixed(ctx context.Context, serverID string) (*store.Server, error) {
	if serverID == "" {
		return nil, errors.New("tool has no execution server")
	}
	server, err := r.registry.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server %s: %w", serverID, err)
	}
	return server, nil
}
