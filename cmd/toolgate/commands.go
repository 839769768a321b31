// ABOUTME: Operator subcommands: token minting, admin hashing, policy import, session pruning
// ABOUTME: Each command loads the config and talks to the store directly

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/trust"
)

func runToken(args []string, stdout io.Writer) error {
	var (
		configPath string
		opts       auth.TokenOptions
	)
	fs := newFlagSet("token", &configPath)
	fs.StringVar(&opts.Subject, "subject", "", "token id (sub claim); required")
	fs.StringVar(&opts.UserID, "user", "", "user the caller acts as")
	fs.StringVar(&opts.TeamID, "team", "", "team the caller acts for")
	fs.BoolVar(&opts.Organization, "org", false, "mint an organization-wide token")
	fs.DurationVar(&opts.ExpiresIn, "ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.Subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(opts)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runAdminHash(args []string, stdin io.Reader, stdout io.Writer) error {
	var token string
	fs := pflag.NewFlagSet("admin-hash", pflag.ContinueOnError)
	fs.StringVar(&token, "token", "", "admin token to hash; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if token == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading token: %w", err)
		}
		token = strings.TrimSpace(line)
	}

	hash, err := auth.HashAdminToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func runPolicies(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] != "import" {
		return fmt.Errorf("usage: toolgate policies import FILE")
	}

	var configPath string
	fs := newFlagSet("policies import", &configPath)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: toolgate policies import FILE")
	}
	file := fs.Arg(0)

	policies, err := trust.LoadSeedFile(file)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	s, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := trust.Import(ctx, s, policies, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprint(stdout, "  ✓ ")
	fmt.Fprintf(stdout, "Imported %d policies from %s\n", n, file)
	return nil
}

func runSessions(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] != "prune" {
		return fmt.Errorf("usage: toolgate sessions prune [--max-age DURATION]")
	}

	var (
		configPath string
		maxAge     time.Duration
	)
	fs := newFlagSet("sessions prune", &configPath)
	fs.DurationVar(&maxAge, "max-age", 0, "delete sessions idle longer than this (default sessions.max_age)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if maxAge == 0 {
		maxAge = cfg.Sessions.MaxAge
	}

	s, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := session.NewService(s, setupLogger(cfg.Logging)).Prune(ctx, maxAge)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprint(stdout, "  ✓ ")
	fmt.Fprintf(stdout, "Pruned %d sessions older than %s\n", n, maxAge)
	return nil
}
