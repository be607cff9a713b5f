package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRetention is how long items are kept by default
const DefaultRetention = 90 * 24 * time.Hour

// Tidy removes items published before now minus olderThan and returns how many were removed
func (s *Store) Tidy(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()

	deleteItems := s.flavor.NewDeleteBuilder()
	deleteItems.DeleteFrom("items").Where(deleteItems.LessThan("published", cutoff))
	query, args := deleteItems.Build()

	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Debug("Tidying database")

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete error: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"removed": removed,
		"cutoff":  time.UnixMilli(cutoff).Format(time.RFC3339),
	}).Info("Tidied database")

	return removed, nil
}

// TidyEvery tidies right away and then on every tick of interval until ctx is done
func (s *Store) TidyEvery(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tidy(ctx, olderThan); err != nil {
			log.WithError(err).Error("Error tidying database")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
