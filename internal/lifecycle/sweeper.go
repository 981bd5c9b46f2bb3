package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepWindow   = 10 * time.Minute
	DefaultSweepBatch    = 100
)

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Refreshed      int
	ReauthRequired int
	Failed         int
}

// Sweeper proactively refreshes records that will expire soon, so callers of
// AccessToken rarely wait on a provider.
type Sweeper struct {
	manager  *Manager
	store    store.TokenStore
	interval time.Duration
	window   time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. Zero durations use the defaults.
func NewSweeper(m *Manager, interval, window time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if window <= 0 {
		window = DefaultSweepWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		store:    m.store,
		interval: interval,
		window:   window,
		batch:    DefaultSweepBatch,
		logger:   logger,
	}
}

// RunOnce refreshes one batch of records expiring within the window.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	recs, err := s.store.ListExpiring(ctx, s.manager.opts.Now().Add(s.window), s.batch)
	if err != nil {
		return res, err
	}

	// providers whose client credentials were rejected in this sweep
	misconfigured := make(map[string]bool)

	for _, rec := range recs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if misconfigured[rec.Provider] {
			res.Failed++
			continue
		}
		_, err := s.manager.Refresh(ctx, rec)
		switch {
		case err == nil:
			res.Refreshed++
		case errors.Is(err, oautherr.ReauthRequired):
			res.ReauthRequired++
		case errors.Is(err, oautherr.Configuration):
			res.Failed++
			misconfigured[rec.Provider] = true
			s.logger.Error("sweep skipping provider", "provider", rec.Provider, "error", err)
		default:
			res.Failed++
			s.logger.Warn("sweep refresh failed",
				"provider", rec.Provider, "record_id", rec.ID, "error", err)
		}
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		} else if res != (SweepResult{}) {
			s.logger.Info("sweep complete",
				"refreshed", res.Refreshed, "reauth_required", res.ReauthRequired, "failed", res.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
