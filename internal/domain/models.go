// Package domain defines the persistence models for ingested archive
// records, the content-addressed dedup index, and the tenant catalog.
// These types are mapped with GORM and form the core data layer of the
// relay. Column names keep the legacy schema of the original deployment
// so existing databases remain readable.
package domain

import "time"

// Record is one durable row per decrypted archive message, keyed by
// (tenant, message id, sequence). The unique composite index is what
// makes duplicate delivery of the same message a no-op: upserts against
// this key can never create a second row.
//
// PushAt is the legacy overloaded status integer; use PushStatus /
// SetPushStatus instead of touching it directly (see pushstatus.go).
type Record struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID string `gorm:"column:corp_id;type:varchar(32);uniqueIndex:idx_tenant_msg_seq,priority:1"`
	MsgID    string `gorm:"column:msg_id;type:varchar(128);uniqueIndex:idx_tenant_msg_seq,priority:2"`
	Seq      uint64 `gorm:"uniqueIndex:idx_tenant_msg_seq,priority:3"`

	Content string `gorm:"type:text"`
	MsgType string `gorm:"type:varchar(32);index:idx_date_type,priority:2"`
	// DateNo is the yyyymmdd bucket of the message timestamp, used by the
	// retry sweeps and the age-based cleanup.
	DateNo int `gorm:"index:idx_date_type,priority:1"`

	SDKFileID   string `gorm:"column:sdkfileid;type:varchar(1024)"`
	Checksum    string `gorm:"column:md5_sum;type:varchar(32)"`
	FilePath    string `gorm:"type:varchar(250)"`
	StoragePath string `gorm:"column:oss_path;type:varchar(1024)"`

	CreateAt     int64  `gorm:"column:create_at"`
	DownFinishAt int64  `gorm:"column:down_finish_at"`
	DownFailAt   int64  `gorm:"column:down_fail_at"`
	PushAt       *int64 `gorm:"column:push_at;index"`
}

// TableName returns the legacy table name for Record.
func (Record) TableName() string { return "original_msg" }

// Downloaded reports whether the record already has a resolved storage
// path, i.e. its attachment no longer needs downloading.
func (r *Record) Downloaded() bool { return r.StoragePath != "" }

// DedupEntry maps a content checksum to the storage location of a
// previously downloaded attachment. A non-empty StoragePath means the
// checksum is resolved and any future download short-circuits.
//
// Times counts cache hits; writes are suppressed once it reaches
// HighFrequencyTimes to bound write amplification on hot files.
type DedupEntry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	MD5         string `gorm:"column:md5;type:varchar(32);uniqueIndex:idx_md5"`
	FilePath    string `gorm:"column:file_path;type:varchar(250);index:idx_filepath"`
	StoragePath string `gorm:"column:oss_path;type:varchar(1024)"`
	StoredAt    int64  `gorm:"column:oss_at;index:idx_oss_at"`
	Times       int    `gorm:"default:1"`
}

// TableName returns the legacy table name for DedupEntry.
func (DedupEntry) TableName() string { return "md5_index" }

// Resolved reports whether this entry short-circuits a download.
func (e *DedupEntry) Resolved() bool { return e.StoragePath != "" }

// HighFrequencyTimes is the hit-counter cap above which DedupEntry.Times
// is no longer persisted.
const HighFrequencyTimes = 100

// Tenant is one onboarded organization whose archive is ingested
// independently. A tenant with an empty PrivateKey is inert: its poll
// loop is created but never fetches.
type Tenant struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID   string `gorm:"column:corpid;type:varchar(32);uniqueIndex"`
	Name       string `gorm:"column:corpname;type:varchar(128)"`
	Secret     string `gorm:"type:varchar(128)"`
	PrivateKey string `gorm:"column:prikey;type:text"`
	Status     int    `gorm:"index"`
	// BatchMode tenants accumulate ten records and dispatch them as a
	// unit, advancing the cursor only when every sub-send succeeded.
	BatchMode bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the legacy table name for Tenant.
func (Tenant) TableName() string { return "corp_list" }

// TenantStatusEnabled marks tenants whose poll loop should run.
const TenantStatusEnabled = 1
