package repo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const cleanupInterval = 24 * time.Hour

// CleanupLoop deletes aged records once a day until ctx ends. Deletes
// run in bounded batches; the inner loop drains everything eligible so
// a backlog never outlives the day it was found.
func CleanupLoop(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	l := log.With().Str("component", "cleanup").Logger()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var total int64
		for {
			n, err := DeleteOldRecords(db)
			if err != nil {
				l.Error().Err(err).Msg("aged record delete failed")
				break
			}
			total += n
			if n == 0 {
				break
			}
		}
		if total > 0 {
			l.Info().Int64("deleted", total).Msg("aged records removed")
		}
	}
}
