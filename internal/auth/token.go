// ABOUTME: JWT token verification for authenticating gateway callers
// ABOUTME: Uses HS256 signing; claims carry the token, team, user and organization identity

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/toolcall"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*toolcall.CredentialContext, error)
}

// Claims are the toolgate-specific JWT claims
type Claims struct {
	TeamID       string `json:"team_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Organization bool   `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// TokenOptions describes the identity baked into a generated token
type TokenOptions struct {
	Subject      string
	TeamID       string
	UserID       string
	Organization bool
	ExpiresIn    time.Duration
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and maps its claims to a credential context.
// The token id is the "jti" claim, falling back to "sub".
func (v *JWTVerifier) Verify(tokenString string) (*toolcall.CredentialContext, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	tokenID := claims.ID
	if tokenID == "" {
		tokenID = claims.Subject
	}

	return &toolcall.CredentialContext{
		TokenID:             tokenID,
		TeamID:              claims.TeamID,
		UserID:              claims.UserID,
		IsOrganizationToken: claims.Organization,
	}, nil
}

// Generate creates a new signed token for the given identity
func (v *JWTVerifier) Generate(opts TokenOptions) (string, error) {
	if opts.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if opts.ExpiresIn <= 0 {
		opts.ExpiresIn = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		TeamID:       opts.TeamID,
		UserID:       opts.UserID,
		Organization: opts.Organization,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
