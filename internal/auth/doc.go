// Package auth provides caller authentication for toolgate.
//
// # JWT Tokens
//
// Agents and API clients authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret. Claims map onto the credential context used by
// credential resolution:
//
//   - jti (or sub): token id
//   - team_id: acting team
//   - user_id: acting user
//   - org: organization-wide token
//
// Tokens are minted with:
//
//	token, err := verifier.Generate(auth.TokenOptions{Subject: "ci", TeamID: "eng"})
//
// or from the command line with `toolgate token`.
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, required) // attaches the credential context
//	RequireAdminHTTP(checker)              // gates policy mutation on the admin token
//
// # Admin Token
//
// Policy mutation endpoints require the X-Admin-Token header to match the
// bcrypt hash in auth.admin_token_hash. HashAdminToken produces that hash.
package auth
