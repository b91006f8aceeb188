// Package repo — repository functions for the durable dedup index.
package repo

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mochat/wearchive/internal/domain"
)

// FindDedup looks up the index entry for a content checksum.
func FindDedup(db *gorm.DB, md5 string) (*domain.DedupEntry, bool, error) {
	var e domain.DedupEntry
	err := db.Where("md5 = ?", md5).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// UpsertDedup writes an index entry, last-write-wins on the checksum.
// Concurrent resolutions of the same content race harmlessly because
// both writers carry identical paths.
func UpsertDedup(db *gorm.DB, e *domain.DedupEntry) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "md5"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_path", "oss_path", "oss_at", "times",
		}),
	}).Create(e).Error
}

// BumpDedupTimes increments the hit counter unless the entry is already
// a high-frequency file; the cap bounds write amplification on content
// that recurs constantly.
func BumpDedupTimes(db *gorm.DB, e *domain.DedupEntry) error {
	if e.Times >= domain.HighFrequencyTimes {
		return nil
	}
	e.Times++
	return db.Model(e).Update("times", e.Times).Error
}
