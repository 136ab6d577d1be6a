// Package maintenance runs startup housekeeping against the engine's
// SQLite store.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"contextengine/pkg/db"
)

// Run executes startup maintenance tasks. Currently just footprint-cache
// pruning; blocks until completion.
func Run(ctx context.Context, d *db.DB) error {
	_ = ctx
	slog.Info("starting database maintenance")

	if err := pruneCache(d); err != nil {
		slog.Error("cache pruning failed", "error", err)
		return err
	}
	slog.Info("cache pruning completed")
	return nil
}

// pruneCache removes footprint-cache blobs older than 30 days, bounding
// the on-disk cache budget.
func pruneCache(d *db.DB) error {
	return d.PruneCache(30 * 24 * time.Hour)
}
