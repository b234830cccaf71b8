// Package cleanup enforces the PII retention policy: encrypted
// originals are deleted once their batch has been finished for longer
// than the configured window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fire-crm/fire/pkg/config"
)

// Purger deletes expired PII bindings and reports how many went.
type Purger interface {
	PurgeExpiredPIIBindings(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically purges expired PII bindings. Idempotent and safe
// to run from multiple replicas.
type Service struct {
	cfg   *config.RetentionConfig
	store Purger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, store Purger) *Service {
	return &Service{cfg: cfg, store: store}
}

// Start launches the background purge loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"pii_retention", s.cfg.PIIRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the purge loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.purge(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PIIRetention)
	count, err := s.store.PurgeExpiredPIIBindings(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: PII purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired PII bindings", "count", count)
	}
}
