// ABOUTME: HTTP middleware for JWT authentication on API and MCP endpoints
// ABOUTME: Extracts the bearer token, verifies it and attaches the credential context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// AdminTokenHeader carries the admin token on policy mutation requests.
const AdminTokenHeader = "X-Admin-Token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that verifies bearer tokens
// and adds the caller's credential context to the request context.
// When required is false, requests without an Authorization header continue
// anonymously; a presented but invalid token is always rejected.
func HTTPAuthMiddleware(verifier TokenVerifier, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" && !required {
				next.ServeHTTP(w, r)
				return
			}
			if verifier == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication is not configured")
				return
			}

			token, errMsg := extractBearerToken(header)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			creds, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCredentials(r.Context(), creds)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin token.
// When no admin token is configured the wrapped handlers are open.
func RequireAdminHTTP(checker *AdminTokenChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checker.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if err := checker.Check(r.Header.Get(AdminTokenHeader)); err != nil {
				writeAuthError(w, http.StatusForbidden, "admin token required")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context())))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
