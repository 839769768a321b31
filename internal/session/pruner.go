// ABOUTME: Cron-scheduled deletion of session records that have not been touched recently
// ABOUTME: Accepts standard five-field specs, optional seconds, and @every descriptors

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Pruner runs Service.Prune on a schedule.
type Pruner struct {
	svc     *Service
	maxAge  time.Duration
	timeout time.Duration
	cron    *cronv3.Cron
	logger  *slog.Logger
}

// ParseSchedule validates a prune schedule expression.
func ParseSchedule(expr string) (cronv3.Schedule, error) {
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	schedule, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// NewPruner creates a pruner for expr. It does nothing until Start.
func NewPruner(svc *Service, expr string, maxAge time.Duration, logger *slog.Logger) (*Pruner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	p := &Pruner{
		svc:     svc,
		maxAge:  maxAge,
		timeout: time.Minute,
		cron:    cronv3.New(),
		logger:  logger.With("component", "session-pruner"),
	}
	p.cron.Schedule(schedule, cronv3.FuncJob(p.run))
	return p, nil
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.svc.Prune(ctx, p.maxAge); err != nil {
		p.logger.Error("session prune failed", "error", err)
	}
}

// Start begins the schedule in the background.
func (p *Pruner) Start() {
	p.cron.Start()
	p.logger.Info("session pruner started", "max_age", p.maxAge)
}

// Stop halts the schedule and waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
