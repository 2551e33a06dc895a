// Package cleanup removes expired sessions and one-time codes.
// Expired rows are already rejected on read, so the job only reclaims space.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type CodePurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type CleanupJob struct {
	sessions SessionPurger
	codes    CodePurger
	logger   *slog.Logger

	Interval time.Duration
	Now      func() time.Time
}

// NewCleanupJob runs hourly unless Interval is changed. codes may be nil
// when one-time codes live in a store with native expiry.
func NewCleanupJob(sessions SessionPurger, codes CodePurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		codes:    codes,
		logger:   logger,
		Interval: time.Hour,
		Now:      time.Now,
	}
}

// Run performs a single pass. Running it with nothing to delete is not an error.
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessions, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("cleanup_sessions_failed", slog.String("error", err.Error()))
		return fmt.Errorf("delete expired sessions: %w", err)
	}

	var codes int64
	if j.codes != nil {
		codes, err = j.codes.DeleteExpired(ctx, j.Now())
		if err != nil {
			j.logger.Error("cleanup_codes_failed", slog.String("error", err.Error()))
			return fmt.Errorf("delete expired codes: %w", err)
		}
	}

	j.logger.Info("cleanup_done",
		slog.Int64("sessions_deleted", sessions),
		slog.Int64("codes_deleted", codes),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start runs the job every Interval until ctx is cancelled. A non-positive
// Interval falls back to one hour.
func (j *CleanupJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
