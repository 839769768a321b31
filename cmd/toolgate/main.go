// ABOUTME: Entry point for the toolgate tool gateway
// ABOUTME: Dispatches serve, health, token, admin-hash, policies, and sessions subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _              _             _
 | |_ ___   ___ | | __ _  __ _| |_ ___
 | __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
 | || (_) | (_) | | (_| | (_| | ||  __/
  \__\___/ \___/|_|\__, |\__,_|\__\___|
                   |___/
`

const usage = `Usage: toolgate <command> [flags]

Commands:
  serve                  Start the gateway server
  health                 Check gateway liveness and readiness
  token                  Mint a caller JWT signed with auth.jwt_secret
  admin-hash             Hash an admin token for auth.admin_token_hash
  policies import FILE   Upsert trust policies from a JSONC seed file
  sessions prune         Delete persisted MCP sessions older than --max-age

Run "toolgate <command> --help" for command flags.
`

// getConfigPath returns the path to the gateway config file.
// Priority: TOOLGATE_CONFIG env var > XDG_CONFIG_HOME/toolgate/toolgate.yaml > ~/.config/toolgate/toolgate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "toolgate.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolgate", "toolgate.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, stdin io.Reader, stdout io.Writer) error {
	switch command {
	case "serve":
		return runServe(ctx, args)
	case "health":
		return runHealth(ctx, args, stdout)
	case "token":
		return runToken(args, stdout)
	case "admin-hash":
		return runAdminHash(args, stdin, stdout)
	case "policies":
		return runPolicies(ctx, args, stdout)
	case "sessions":
		return runSessions(ctx, args, stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "toolgate %s\n", version)
		return nil
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", getConfigPath(), "path to the config file (yaml or toml)")
	return fs
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Trust:     %s\n", cfg.Trust.Mode)
	green.Print("    ▶ ")
	fmt.Printf("Streaming: %t", cfg.Gateway.InteractiveStreaming)
	if cfg.Gateway.InteractiveStreaming {
		gray.Printf(" (http %d, attach %d)", cfg.Gateway.HTTPConcurrency, cfg.Gateway.AttachConcurrency)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Auth.RequireAuth {
		yellow.Print("    ! ")
		fmt.Println("Auth not required: anonymous callers are accepted")
	}

	fmt.Println()

	logger.Info("starting toolgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath string
	fs := newFlagSet("health", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/readyz"} {
		url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
		}
	}

	fmt.Fprintln(stdout, "healthy")
	return nil
}
