// Package repo — repository functions for the durable Record store.
//
// Every write goes through an idempotent upsert keyed on
// (tenant, msg id, seq); duplicate delivery of the same message can
// therefore never create a second row, which is the at-most-once write
// invariant the whole pipeline protects.
package repo

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mochat/wearchive/internal/classify"
	"github.com/mochat/wearchive/internal/domain"
)

// FindRecord looks up the record for one (tenant, msgID, seq) key.
// The boolean reports presence; a missing row is not an error.
func FindRecord(db *gorm.DB, tenantID, msgID string, seq uint64) (*domain.Record, bool, error) {
	var rec domain.Record
	err := db.Where("corp_id = ? AND msg_id = ? AND seq = ?", tenantID, msgID, seq).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// InsertRecordIfAbsent stores a new record unless its key already
// exists, in which case the call is a no-op.
func InsertRecordIfAbsent(db *gorm.DB, rec *domain.Record) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "corp_id"}, {Name: "msg_id"}, {Name: "seq"}},
		DoNothing: true,
	}).Create(rec).Error
}

// SaveRecord persists updates to an existing record.
func SaveRecord(db *gorm.DB, rec *domain.Record) error {
	return db.Save(rec).Error
}

// retryScanLimit bounds one pass of the not-pushed sweep.
const retryScanLimit = 500

// abandonedScanLimit bounds one pass of the big-file sweep; large-file
// recovery is deliberately slow.
const abandonedScanLimit = 30

// FindRetryWindow returns recent download-type records whose push status
// is still inside the open retry window (unset or countdown in (-9, 0]),
// oldest countdown first.
func FindRetryWindow(db *gorm.DB) ([]domain.Record, error) {
	var out []domain.Record
	err := db.
		Where("date_no >= ?", dateNoDaysAgo(1)).
		Where("msg_type NOT IN ?", classify.AllowList()).
		Where("push_at IS NULL OR (push_at > ? AND push_at <= 0)", -domain.RetryWindow).
		Order("push_at DESC, id ASC").
		Limit(retryScanLimit).
		Find(&out).Error
	return out, err
}

// FindAbandonedBigFiles returns recent records parked at the abandoned
// sentinel, for the low-frequency large-file sweep. Rows that already
// carry a storage path were recovered by an earlier pass and are
// excluded so they stop occupying scan slots.
func FindAbandonedBigFiles(db *gorm.DB) ([]domain.Record, error) {
	var out []domain.Record
	err := db.
		Where("date_no >= ?", dateNoDaysAgo(1)).
		Where("push_at <= ?", -999).
		Where("oss_path = '' OR oss_path IS NULL").
		Order("push_at DESC, id ASC").
		Limit(abandonedScanLimit).
		Find(&out).Error
	return out, err
}

// DeleteOldRecords removes records older than two days in bounded
// batches, returning the number of rows deleted. Run daily.
func DeleteOldRecords(db *gorm.DB) (int64, error) {
	res := db.Exec(
		"DELETE FROM original_msg WHERE id IN (SELECT id FROM original_msg WHERE date_no <= ? LIMIT 3000)",
		dateNoDaysAgo(2),
	)
	return res.RowsAffected, res.Error
}

// CountRecords returns the total row count, for the status probe.
func CountRecords(db *gorm.DB) (int64, error) {
	var total int64
	err := db.Model(&domain.Record{}).Count(&total).Error
	return total, err
}

func dateNoDaysAgo(days int) int {
	y, m, d := time.Now().AddDate(0, 0, -days).Date()
	return y*10000 + int(m)*100 + d
}
