// ABOUTME: Authentication context for tracking caller identity through request handlers
// ABOUTME: Provides WithCredentials/FromContext for propagating the credential context

package auth

import (
	"context"

	"github.com/2389/toolgate/internal/toolcall"
)

// credentialsKey is the key type for storing credentials in context.Context.
type credentialsKey struct{}

// adminKey marks a request authenticated with the admin token.
type adminKey struct{}

// WithCredentials returns a new context with the credential context attached.
func WithCredentials(ctx context.Context, creds *toolcall.CredentialContext) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// FromContext retrieves the credential context, returning nil if not present.
func FromContext(ctx context.Context) *toolcall.CredentialContext {
	creds, _ := ctx.Value(credentialsKey{}).(*toolcall.CredentialContext)
	return creds
}

// WithAdmin marks the context as carrying admin authority.
func WithAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminKey{}, true)
}

// IsAdmin reports whether the context carries admin authority.
func IsAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(adminKey{}).(bool)
	return admin
}
