// Package gateway orchestrates the toolgate server components.
//
// # Overview
//
// The gateway package wires every long-lived component from configuration:
// the store, the trust engine, the tool call router and its transport stack,
// the MCP server, the HTTP API, and the optional gRPC health service.
//
// # Call Path
//
// A tool call flows through:
//
//	api / mcp  ->  router.ExecuteToolCall
//	                 credentials.Resolver   (which server)
//	                 transport.Resolver     (how to reach it, readiness)
//	                 limiter.Keyed          (per-connection concurrency)
//	                 transport.Connector    (session resume, one retry)
//	                 transform.Transformer  (response template)
//
// # Listeners
//
// Without tailscale the HTTP server binds server.http_addr and the gRPC
// health service binds server.grpc_addr when set. With tailscale enabled a
// tsnet node serves HTTP on :80 (or TLS on :443 with https/funnel) and gRPC
// health on :50051.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run shuts everything down when ctx is canceled.
package gateway
