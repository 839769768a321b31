// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolgate/config.yaml
//  3. ~/.config/toolgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TOOLGATE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  list_tools_timeout: "5s"
//	  list_tools_cache_ttl: "30s"
//	  call_timeout: "2m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and MCP endpoint
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service (optional)
//
// Database:
//
//	database:
//	  driver: "sqlite"                   # sqlite, sqlite3, postgres
//	  path: "/var/lib/toolgate/toolgate.db"
//	  dsn: "${DATABASE_URL}"             # postgres only
//
// Tool call execution:
//
//	gateway:
//	  interactive_streaming: true   # false bypasses the concurrency limiter
//	  http_concurrency: 4
//	  attach_concurrency: 1
//	  install_base_url: "https://tools.example.com"
//
// Trust policies:
//
//	trust:
//	  mode: "restrictive"            # restrictive, permissive
//	  seed_file: "./policies.jsonc"
//
// Backend servers:
//
//	runtime:
//	  kubectl_path: "kubectl"
//	  namespace: "tools"
//	  servers:
//	    - id: "github"
//	      url: "http://github-mcp:8080/mcp"
//	    - id: "fs"
//	      transport: "attach"
//	      pod: "mcp-fs-0"
//	      local: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
