// Package janitor trims the chat table once it grows past a high
// watermark, keeping the most recent slice.
package janitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	sweepInterval = 10 * time.Minute
	highWatermark = 500000
	keepNewest    = 250000
)

var errMissingStore = errors.New("janitor: chat store is required")

// ChatStore is the slice of the statistics store the janitor needs.
type ChatStore interface {
	CountChats(ctx context.Context) (int64, error)
	NthNewestChatID(ctx context.Context, n int) (int64, error)
	DeleteChatsBefore(ctx context.Context, pivot int64) (int64, error)
}

// Config describes the dependencies required by the janitor.
type Config struct {
	Store    ChatStore
	Logger   *zap.Logger
	Interval time.Duration
}

// Janitor sweeps the chat table on a fixed interval.
type Janitor struct {
	store    ChatStore
	logger   *zap.Logger
	interval time.Duration
}

// New validates the configuration and constructs the janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = sweepInterval
	}
	return &Janitor{store: cfg.Store, logger: logger, interval: interval}, nil
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Warn("chat sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep deletes everything older than the pivot row when the table is
// over the watermark. Below the watermark it is a no-op.
func (j *Janitor) Sweep(ctx context.Context) error {
	count, err := j.store.CountChats(ctx)
	if err != nil {
		return err
	}
	if count <= highWatermark {
		return nil
	}

	pivot, err := j.store.NthNewestChatID(ctx, keepNewest)
	if err != nil {
		return err
	}
	deleted, err := j.store.DeleteChatsBefore(ctx, pivot)
	if err != nil {
		return err
	}
	j.logger.Info("trimmed chat table",
		zap.Int64("deleted", deleted),
		zap.Int64("pivot", pivot),
	)
	return nil
}
