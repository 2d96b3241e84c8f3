// Package cleanup enforces data retention: old terminal projects and settled
// fact audit records are purged on a fixed interval.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// ProjectPurger removes terminal projects older than the retention window.
type ProjectPurger interface {
	PurgeOldProjects(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FactPurger removes non-live fact records older than the retention window.
// Live facts are never purged.
type FactPurger interface {
	PurgeSettledFacts(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds retention windows.
type Config struct {
	ProjectRetention   time.Duration
	FactAuditRetention time.Duration
	Interval           time.Duration
}

// Service runs the retention loop. All operations are idempotent and safe to
// run from multiple replicas.
type Service struct {
	cfg      Config
	projects ProjectPurger
	facts    FactPurger
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. Either purger may be nil to skip that
// concern.
func NewService(cfg Config, projects ProjectPurger, facts FactPurger) *Service {
	return &Service{
		cfg:      cfg,
		projects: projects,
		facts:    facts,
		logger:   slog.With("component", "cleanup"),
	}
}

// Start launches the background retention loop. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"project_retention", s.cfg.ProjectRetention,
		"fact_audit_retention", s.cfg.FactAuditRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if s.projects != nil && s.cfg.ProjectRetention > 0 {
		count, err := s.projects.PurgeOldProjects(ctx, s.cfg.ProjectRetention)
		if err != nil {
			s.logger.Error("Retention: project purge failed", "error", err)
		} else if count > 0 {
			s.logger.Info("Retention: purged old projects", "count", count)
		}
	}
	if s.facts != nil && s.cfg.FactAuditRetention > 0 {
		count, err := s.facts.PurgeSettledFacts(ctx, s.cfg.FactAuditRetention)
		if err != nil {
			s.logger.Error("Retention: fact audit purge failed", "error", err)
		} else if count > 0 {
			s.logger.Info("Retention: purged settled fact records", "count", count)
		}
	}
}
