package repo

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestInsertRecordIfAbsent_AtMostOnce(t *testing.T) {
	db := newTestDB(t)
	rec := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "text", DateNo: dateNoDaysAgo(0), Content: "first"}
	if err := InsertRecordIfAbsent(db, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "text", DateNo: dateNoDaysAgo(0), Content: "second"}
	if err := InsertRecordIfAbsent(db, dup); err != nil {
		t.Fatalf("duplicate insert must be a no-op: %v", err)
	}
	got, found, err := FindRecord(db, "corp1", "m1", 1)
	if err != nil || !found {
		t.Fatalf("find: %v %v", found, err)
	}
	if got.Content != "first" {
		t.Fatalf("duplicate overwrote the row: %q", got.Content)
	}
	if total, _ := CountRecords(db); total != 1 {
		t.Fatalf("row count: %d", total)
	}
}

func TestFindRecord_Missing(t *testing.T) {
	db := newTestDB(t)
	_, found, err := FindRecord(db, "corp1", "nope", 9)
	if err != nil {
		t.Fatalf("missing row is not an error: %v", err)
	}
	if found {
		t.Fatalf("found a row that was never written")
	}
}

func TestSaveRecord_PersistsStatus(t *testing.T) {
	db := newTestDB(t)
	rec := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "image", DateNo: dateNoDaysAgo(0)}
	if err := InsertRecordIfAbsent(db, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.SetPushStatus(domain.PushStatus{State: domain.StatePushed, PushedAt: time.Now().UnixMilli()})
	rec.StoragePath = "mochat2/2026/08/29/10/x.jpg"
	if err := SaveRecord(db, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _, _ := FindRecord(db, "corp1", "m1", 1)
	if got.PushStatus().State != domain.StatePushed {
		t.Fatalf("status not persisted: %+v", got.PushStatus())
	}
	if !got.Downloaded() {
		t.Fatalf("storage path not persisted")
	}
}

func TestFindRetryWindow(t *testing.T) {
	db := newTestDB(t)
	today := dateNoDaysAgo(0)
	countdown := int64(-3)
	pushed := int64(time.Now().UnixMilli())
	abandoned := int64(-999)
	rows := []*domain.Record{
		{TenantID: "c", MsgID: "open-null", Seq: 1, MsgType: "image", DateNo: today},
		{TenantID: "c", MsgID: "open-countdown", Seq: 2, MsgType: "voice", DateNo: today, PushAt: &countdown},
		{TenantID: "c", MsgID: "done", Seq: 3, MsgType: "image", DateNo: today, PushAt: &pushed},
		{TenantID: "c", MsgID: "abandoned", Seq: 4, MsgType: "video", DateNo: today, PushAt: &abandoned},
		{TenantID: "c", MsgID: "allow-listed", Seq: 5, MsgType: "text", DateNo: today},
		{TenantID: "c", MsgID: "too-old", Seq: 6, MsgType: "image", DateNo: dateNoDaysAgo(3)},
	}
	for _, r := range rows {
		if err := InsertRecordIfAbsent(db, r); err != nil {
			t.Fatalf("insert %s: %v", r.MsgID, err)
		}
	}
	got, err := FindRetryWindow(db)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := map[string]bool{"open-null": true, "open-countdown": true}
	if len(got) != len(want) {
		t.Fatalf("sweep picked %d rows: %+v", len(got), got)
	}
	for _, r := range got {
		if !want[r.MsgID] {
			t.Fatalf("sweep picked %q", r.MsgID)
		}
	}
}

func TestFindAbandonedBigFiles(t *testing.T) {
	db := newTestDB(t)
	abandoned := int64(-999)
	countdown := int64(-2)
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "big", Seq: 1, MsgType: "file", DateNo: dateNoDaysAgo(0), PushAt: &abandoned})
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "small", Seq: 2, MsgType: "file", DateNo: dateNoDaysAgo(0), PushAt: &countdown})
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "recovered", Seq: 3, MsgType: "file", DateNo: dateNoDaysAgo(0), PushAt: &abandoned, StoragePath: "mochat2/staging/recovered.bin"})
	got, err := FindAbandonedBigFiles(db)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(got) != 1 || got[0].MsgID != "big" {
		t.Fatalf("big-file sweep: %+v", got)
	}
}

func TestDeleteOldRecords(t *testing.T) {
	db := newTestDB(t)
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "old1", Seq: 1, MsgType: "text", DateNo: dateNoDaysAgo(2)})
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "old2", Seq: 2, MsgType: "text", DateNo: dateNoDaysAgo(5)})
	InsertRecordIfAbsent(db, &domain.Record{TenantID: "c", MsgID: "fresh", Seq: 3, MsgType: "text", DateNo: dateNoDaysAgo(0)})
	n, err := DeleteOldRecords(db)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows", n)
	}
	if total, _ := CountRecords(db); total != 1 {
		t.Fatalf("remaining rows: %d", total)
	}
}
