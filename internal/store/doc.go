// Package store provides persistent storage for the tool gateway.
//
// # Architecture
//
// The store package is interface-driven, split by concern:
//
//   - RegistryStore: servers, team membership and agent tool assignments
//   - SessionStore: last-known MCP session per connection key
//   - PolicyStore: trust policies and their conditions
//   - SecretsStore: per-server connection headers
//
// SQLStore implements all of them over database/sql and supports three
// drivers:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
//   - "postgres": github.com/jackc/pgx/v5/stdlib
//
// Queries are written with "?" placeholders and rebound to "$n" for
// postgres. Timestamps are stored as RFC3339 text in UTC so that range
// comparisons work the same on every driver.
//
// MockStore is an in-memory implementation for tests.
//
// # Errors
//
// Lookups that find nothing return ErrNotFound. Inserts that collide with a
// unique key return ErrDuplicate.
package store
