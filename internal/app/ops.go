package app

import (
	"context"
	"fmt"

	"pricewatch/internal/model"
	"pricewatch/internal/monitor"
	"pricewatch/internal/sweep"
)

// Owner-facing operations. These are thin passthroughs so every caller
// (CLI, future HTTP surface, tests) goes through the same paths the
// scheduled loops use.

// RefreshProduct refreshes one product immediately and returns the fresh
// comparison result.
func (a *App) RefreshProduct(ctx context.Context, productID string) (model.ComparisonResult, error) {
	return a.sweeper.RefreshOne(ctx, productID)
}

// RefreshAll starts a full sweep now. If one is already running its status is
// returned and no second sweep starts.
func (a *App) RefreshAll(ctx context.Context) sweep.Status {
	return a.sweeper.RefreshAll(ctx)
}

// SweepStatus reports the scheduler's current state and next fire times.
func (a *App) SweepStatus() sweep.Status {
	return a.sweeper.Status()
}

// StartScheduledSweeps enables the cron cadences. Idempotent.
func (a *App) StartScheduledSweeps(ctx context.Context) error {
	return a.sweeper.Start(ctx)
}

// StopScheduledSweeps halts the cadences; an in-flight sweep finishes.
func (a *App) StopScheduledSweeps(ctx context.Context) {
	a.sweeper.Stop(ctx)
}

// PriceHistory returns a product's history window, oldest first.
func (a *App) PriceHistory(ctx context.Context, productID string, sinceDays int) ([]model.HistoryEntry, error) {
	return a.st.History(ctx, productID, sinceDays)
}

// LatestResult returns the most recent persisted comparison for a product.
func (a *App) LatestResult(ctx context.Context, productID string) (*model.ComparisonResult, bool, error) {
	return a.st.Latest(ctx, productID)
}

// CheckAllWatches runs one evaluation cycle over every active watch.
func (a *App) CheckAllWatches(ctx context.Context) (monitor.Stats, error) {
	return a.monitor.EvaluateAll(ctx)
}

// CheckWatch evaluates a single watch. The returned event is non-nil only
// when the watch fired during this call.
func (a *App) CheckWatch(ctx context.Context, watchID string) (*model.NotificationEvent, error) {
	w, err := a.st.GetWatch(ctx, watchID)
	if err != nil {
		return nil, fmt.Errorf("check watch: %w", err)
	}
	return a.monitor.EvaluateOne(ctx, *w)
}

// PauseWatch excludes a watch from evaluation without losing its state.
func (a *App) PauseWatch(ctx context.Context, watchID string) error {
	return a.st.SetWatchState(ctx, watchID, model.WatchPaused)
}

// ReactivateWatch re-arms a paused or triggered watch.
func (a *App) ReactivateWatch(ctx context.Context, watchID string) error {
	return a.st.SetWatchState(ctx, watchID, model.WatchActive)
}
