package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TradeChecker reports whether a trade has settled and when. Implemented
// by the trade service.
type TradeChecker interface {
	IsSettled(ctx context.Context, tradeID string) (bool, time.Time, error)
}

// Timer periodically recycles channels whose trades settled longer than
// the grace window ago. Recycling is deferred rather than immediate so
// counterparties can read the final messages; the loop also picks up
// channels whose inline recycle attempt failed.
type Timer struct {
	service  *Service
	store    Store
	trades   TradeChecker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a channel recycling timer.
func NewTimer(service *Service, store Store, trades TradeChecker, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		trades:   trades,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the recycle loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRecycleSettled(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRecycleSettled(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in pool timer", "panic", fmt.Sprint(r))
		}
	}()
	t.recycleSettled(ctx)
}

func (t *Timer) recycleSettled(ctx context.Context) {
	assigned, err := t.store.ListAssigned(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list assigned channels", "error", err)
		return
	}

	cutoff := time.Now().Add(-t.service.GraceWindow())
	for _, ch := range assigned {
		if ch.TradeID == "" {
			continue
		}
		settled, at, err := t.trades.IsSettled(ctx, ch.TradeID)
		if err != nil {
			t.logger.Warn("failed to check trade state",
				"channelId", ch.ID, "tradeId", ch.TradeID, "error", err)
			continue
		}
		if !settled || at.After(cutoff) {
			continue
		}

		if err := t.service.Recycle(ctx, ch.TradeID); err != nil {
			t.logger.Warn("deferred recycle failed",
				"channelId", ch.ID, "tradeId", ch.TradeID, "error", err)
			continue
		}
		t.logger.Info("channel recycled after grace window",
			"channelId", ch.ID, "tradeId", ch.TradeID)
	}
}
