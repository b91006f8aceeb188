package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/repo"
)

const (
	// Cache keys mirror the legacy layout so mixed-version fleets share
	// a dedup view during rollout.
	checksumKeyPrefix = "md5sum-"
	unkeyedKeyPrefix  = "no_md5sum_file_"
	downloadingPrefix = "downloading-"

	checksumTTL    = 72 * time.Hour
	unkeyedTTL     = 2 * time.Hour
	downloadingTTL = 5 * time.Minute
)

// Index resolves attachment checksums against the cache tier first and
// the durable md5_index table second. A durable hit backfills the cache
// and bumps the popularity counter.
type Index struct {
	db  *gorm.DB
	kv  KV
	log zerolog.Logger
}

// NewIndex builds an Index over the given stores.
func NewIndex(db *gorm.DB, kv KV, log zerolog.Logger) *Index {
	return &Index{db: db, kv: kv, log: log.With().Str("component", "dedup").Logger()}
}

// Resolve looks up a checksum. It returns the entry and true when a
// prior download already produced remote content for this checksum.
func (ix *Index) Resolve(ctx context.Context, sum string) (*domain.DedupEntry, bool, error) {
	if sum == "" {
		return nil, false, nil
	}
	if raw, ok, err := ix.kv.Get(ctx, checksumKeyPrefix+sum); err != nil {
		ix.log.Warn().Err(err).Str("md5", sum).Msg("dedup cache read failed, falling through")
	} else if ok {
		var entry domain.DedupEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.Resolved() {
			return &entry, true, nil
		}
		// A malformed or unresolved cached value is treated as a miss.
	}

	entry, found, err := repo.FindDedup(ix.db, sum)
	if err != nil {
		return nil, false, err
	}
	if !found || !entry.Resolved() {
		return nil, false, nil
	}
	if err := repo.BumpDedupTimes(ix.db, entry); err != nil {
		ix.log.Warn().Err(err).Str("md5", sum).Msg("dedup counter bump failed")
	}
	ix.cachePut(ctx, entry)
	return entry, true, nil
}

// Store records a completed download so later records carrying the same
// checksum reuse its remote path. It writes the durable row first, then
// the cache tier.
func (ix *Index) Store(ctx context.Context, entry *domain.DedupEntry) error {
	if entry.MD5 == "" || !entry.Resolved() {
		return nil
	}
	if err := repo.UpsertDedup(ix.db, entry); err != nil {
		return err
	}
	ix.cachePut(ctx, entry)
	return nil
}

func (ix *Index) cachePut(ctx context.Context, entry *domain.DedupEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := ix.kv.Set(ctx, checksumKeyPrefix+entry.MD5, string(raw), checksumTTL); err != nil {
		ix.log.Warn().Err(err).Str("md5", entry.MD5).Msg("dedup cache write failed")
	}
}

// LookupUnkeyed checks the short-lived composite cache used for media
// that carries no checksum. The key joins the message form and the
// staging path so distinct sources never collide.
func (ix *Index) LookupUnkeyed(ctx context.Context, form, localPath string) (string, bool) {
	raw, ok, err := ix.kv.Get(ctx, unkeyedKeyPrefix+form+"_"+localPath)
	if err != nil || !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// StoreUnkeyed caches a remote path for checksum-less media.
func (ix *Index) StoreUnkeyed(ctx context.Context, form, localPath, remotePath string) {
	if remotePath == "" {
		return
	}
	key := unkeyedKeyPrefix + form + "_" + localPath
	if err := ix.kv.Set(ctx, key, remotePath, unkeyedTTL); err != nil {
		ix.log.Warn().Err(err).Str("key", key).Msg("unkeyed cache write failed")
	}
}

// TryMarkDownloading claims the in-flight flag for a checksum. The
// second and later claimants should defer rather than duplicate the
// fetch. The flag expires on its own so a crashed worker never wedges
// the checksum.
func (ix *Index) TryMarkDownloading(ctx context.Context, sum string) bool {
	if sum == "" {
		return true
	}
	ok, err := ix.kv.SetNX(ctx, downloadingPrefix+sum, "1", downloadingTTL)
	if err != nil {
		ix.log.Warn().Err(err).Str("md5", sum).Msg("downloading flag claim failed, proceeding")
		return true
	}
	return ok
}
