// Package download fetches the media an envelope references, stages it
// locally, pushes it to object storage and enriches the envelope with
// the resulting storage path. Content is fetched at most once per
// checksum fleet-wide: the dedup index is consulted before any I/O.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/classify"
	"github.com/mochat/wearchive/internal/dedup"
	"github.com/mochat/wearchive/internal/dispatch"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
	"github.com/mochat/wearchive/internal/storage"
)

// ErrStalled means the transfer exceeded the stall timeout. The record
// was already marked abandoned and the partial file removed; the caller
// must not route it to the retry lane.
var ErrStalled = errors.New("download: transfer stalled")

// ErrInFlight means another worker currently holds the download flag
// for the same checksum; retry later instead of fetching twice.
var ErrInFlight = errors.New("download: checksum already in flight")

// inFlightBypassTries is the retry count past which the in-flight flag
// is ignored, so a repeatedly unlucky record cannot starve forever
// behind a flapping peer.
const inFlightBypassTries = 5

// defaultStallTimeout bounds a normal transfer; big-file envelopes are
// exempt and ride the dedicated low-frequency sweep instead.
const defaultStallTimeout = 5 * time.Minute

// ObjectStore is the slice of the uploader the engine needs. The S3
// uploader satisfies it.
type ObjectStore interface {
	RemotePath(filename string, at time.Time) string
	Upload(ctx context.Context, localPath, key string) error
}

var _ ObjectStore = (*storage.Uploader)(nil)

// Engine runs one attachment transfer end to end.
type Engine struct {
	db         *gorm.DB
	index      *dedup.Index
	store      ObjectStore
	uploads    *pool.Pool
	out        *dispatch.Dispatcher
	sink       *metrics.Sink
	stagingDir string
	stall      time.Duration
	log        zerolog.Logger

	// transcode converts an .amr staging file to .mp3. Tests stub it.
	transcode func(ctx context.Context, src, dst string) error
}

// NewEngine wires an Engine. stagingDir must exist and be writable.
// uploads bounds concurrent object-storage streams; nil uploads inline.
func NewEngine(db *gorm.DB, index *dedup.Index, store ObjectStore, uploads *pool.Pool, out *dispatch.Dispatcher, sink *metrics.Sink, stagingDir string, log zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		index:      index,
		store:      store,
		uploads:    uploads,
		out:        out,
		sink:       sink,
		stagingDir: stagingDir,
		stall:      defaultStallTimeout,
		log:        log.With().Str("component", "download").Logger(),
		transcode:  ffmpegTranscode,
	}
}

// Run downloads whatever media the envelope references, updates the
// durable record and publishes the enriched envelope. Errors other than
// ErrStalled are retryable through the router.
func (e *Engine) Run(ctx context.Context, client archive.Client, env *domain.Envelope, rec *domain.Record) error {
	e.sink.IncDownloadsAttempted()

	var err error
	switch kind := classify.Kind(env.MsgType); kind {
	case classify.KindMixed, classify.KindChatRecord:
		err = e.runComposite(ctx, client, env)
	default:
		err = e.runSingle(ctx, client, env, rec, kind)
	}
	if errors.Is(err, ErrStalled) {
		e.markAbandoned(env, rec)
		return err
	}
	if err != nil {
		return err
	}

	rec.DownFinishAt = time.Now().UnixMilli()
	if err := e.publish(ctx, env, rec); err != nil {
		return err
	}
	e.sink.IncDownloadsSucceeded()
	return nil
}

// runSingle handles envelopes whose payload carries one attachment
// descriptor under the normalized section name.
func (e *Engine) runSingle(ctx context.Context, client archive.Client, env *domain.Envelope, rec *domain.Record, kind classify.DownloadKind) error {
	section := env.Section(classify.Normalize(env.MsgType))
	if section == nil {
		return nil
	}
	fileRef, _ := section["sdkfileid"].(string)
	if fileRef == "" {
		return nil
	}
	declared, _ := section["md5sum"].(string)
	ext := sectionExt(kind, section)

	remote, sum, err := e.fetchOne(ctx, client, env, fileRef, declared, ext)
	if err != nil {
		return err
	}
	section["ossPath"] = remote
	env.Set("ossPath", remote)
	rec.Checksum = sum
	rec.StoragePath = remote
	return nil
}

// runComposite handles mixed and forwarded chat-record envelopes: every
// nested item that references media is downloaded and its descriptor is
// rewritten with the storage path before the whole envelope publishes.
func (e *Engine) runComposite(ctx context.Context, client archive.Client, env *domain.Envelope) error {
	section := env.Section(strings.ToLower(env.MsgType))
	if section == nil {
		return nil
	}
	items, _ := section["item"].([]any)
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		rawType, _ := obj["type"].(string)
		itemType := classify.StripForwardSuffix(rawType)
		if classify.AllowListed(itemType) {
			continue
		}
		raw, _ := obj["content"].(string)
		var desc map[string]any
		if raw == "" || json.Unmarshal([]byte(raw), &desc) != nil {
			continue
		}
		fileRef, _ := desc["sdkfileid"].(string)
		if fileRef == "" {
			continue
		}
		declared, _ := desc["md5sum"].(string)
		ext := classify.ItemExt(itemType, intField(desc, "type"))
		if ext == "" {
			ext = filenameExt(desc)
		}

		remote, _, err := e.fetchOne(ctx, client, env, fileRef, declared, ext)
		if err != nil {
			return fmt.Errorf("item %s: %w", itemType, err)
		}
		desc["ossPath"] = remote
		rewritten, err := json.Marshal(desc)
		if err != nil {
			return err
		}
		obj["content"] = string(rewritten)
	}
	return nil
}

// fetchOne resolves or transfers a single attachment and returns its
// storage path and checksum.
func (e *Engine) fetchOne(ctx context.Context, client archive.Client, env *domain.Envelope, fileRef, declared, ext string) (string, string, error) {
	sum := declared
	if sum == "" {
		sum = md5Hex(fileRef)
	}

	if entry, hit, err := e.index.Resolve(ctx, sum); err != nil {
		e.log.Warn().Err(err).Str("md5", sum).Msg("dedup lookup failed, downloading anyway")
	} else if hit {
		return entry.StoragePath, sum, nil
	}

	localName := time.Now().Format("2006_01_02_15") + "_" + sum + ext
	if declared == "" {
		if remote, ok := e.index.LookupUnkeyed(ctx, env.MsgType, localName); ok {
			return remote, sum, nil
		}
	}

	if !e.index.TryMarkDownloading(ctx, sum) && env.TryCount() < inFlightBypassTries {
		return "", sum, ErrInFlight
	}

	localPath := filepath.Join(e.stagingDir, localName)
	if err := e.fetchToFile(ctx, client, fileRef, localPath, env.BigFile()); err != nil {
		return "", sum, err
	}

	if declared != "" && ext != ".gif" {
		if got, err := fileMD5(localPath); err == nil && got != declared {
			// Observed in production for some transcoded server-side
			// content; the declared sum is advisory only.
			e.log.Warn().
				Str("msgid", env.MsgID).
				Str("declared", declared).
				Str("computed", got).
				Msg("checksum mismatch, keeping transfer")
		}
	}

	if ext == ".amr" {
		mp3 := strings.TrimSuffix(localPath, ".amr") + ".mp3"
		if err := e.transcode(ctx, localPath, mp3); err != nil {
			os.Remove(localPath)
			return "", sum, fmt.Errorf("download: transcode: %w", err)
		}
		os.Remove(localPath)
		localPath = mp3
		localName = strings.TrimSuffix(localName, ".amr") + ".mp3"
		ext = ".mp3"
	}

	remote := e.store.RemotePath(sum+ext, time.Now())
	if err := e.upload(ctx, localPath, remote); err != nil {
		return "", sum, err
	}

	if declared != "" {
		err := e.index.Store(ctx, &domain.DedupEntry{
			MD5:         sum,
			FilePath:    localName,
			StoragePath: remote,
			StoredAt:    time.Now().UnixMilli(),
			Times:       1,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("md5", sum).Msg("dedup writeback failed")
		}
	} else {
		e.index.StoreUnkeyed(ctx, env.MsgType, localName, remote)
	}
	return remote, sum, nil
}

// upload pushes the staged file through the bounded upload pool, falling
// back to an inline transfer when the pool is saturated so a finished
// download never has to be thrown away over a queue limit.
func (e *Engine) upload(ctx context.Context, localPath, key string) error {
	if e.uploads == nil {
		return e.store.Upload(ctx, localPath, key)
	}
	done := make(chan error, 1)
	if err := e.uploads.Submit(func() { done <- e.store.Upload(ctx, localPath, key) }); err != nil {
		return e.store.Upload(ctx, localPath, key)
	}
	return <-done
}

// fetchToFile streams the attachment chunk by chunk into localPath. A
// transfer that is still mid-stream past the stall timeout is aborted
// unless the envelope is flagged big-file.
func (e *Engine) fetchToFile(ctx context.Context, client archive.Client, fileRef, localPath string, bigFile bool) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("download: create staging file: %w", err)
	}
	defer f.Close()

	deadline := time.Now().Add(e.stall)
	token := ""
	for {
		chunk, err := client.FetchChunk(ctx, token, fileRef)
		if err != nil {
			os.Remove(localPath)
			return fmt.Errorf("download: fetch chunk: %w", err)
		}
		if _, err := f.Write(chunk.Data); err != nil {
			os.Remove(localPath)
			return fmt.Errorf("download: write staging file: %w", err)
		}
		if chunk.Final {
			return nil
		}
		if !bigFile && time.Now().After(deadline) {
			os.Remove(localPath)
			return ErrStalled
		}
		token = chunk.NextToken
	}
}

// publish saves the record and hands the enriched envelope to the
// dispatcher, marking the record pushed on success.
func (e *Engine) publish(ctx context.Context, env *domain.Envelope, rec *domain.Record) error {
	start := time.Now()
	if err := repo.SaveRecord(e.db, rec); err != nil {
		return err
	}
	e.sink.ObserveSaveCost("update", time.Since(start))

	if err := e.out.Publish(ctx, env); err != nil {
		return err
	}
	rec.SetPushStatus(domain.PushStatus{State: domain.StatePushed, PushedAt: time.Now().UnixMilli()})
	return repo.SaveRecord(e.db, rec)
}

// markAbandoned records a stalled transfer. The record leaves the normal
// retry window; only the big-file sweep will look at it again.
func (e *Engine) markAbandoned(env *domain.Envelope, rec *domain.Record) {
	rec.DownFailAt = time.Now().UnixMilli()
	rec.SetPushStatus(domain.PushStatus{State: domain.StateAbandoned})
	if err := repo.SaveRecord(e.db, rec); err != nil {
		e.log.Error().Err(err).Str("msgid", env.MsgID).Msg("abandon mark failed")
	}
	e.log.Warn().
		Str("tenant", env.TenantID).
		Str("msgid", env.MsgID).
		Msg("transfer stalled, record abandoned")
}

// sectionExt picks the staging extension from the kind table, falling
// back to the declared filename for file-like types.
func sectionExt(kind classify.DownloadKind, section map[string]any) string {
	if ext := classify.Ext(kind, intField(section, "type")); ext != "" {
		return ext
	}
	return filenameExt(section)
}

func filenameExt(section map[string]any) string {
	name, _ := section["filename"].(string)
	return strings.ToLower(filepath.Ext(name))
}

func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func ffmpegTranscode(ctx context.Context, src, dst string) error {
	out, err := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, out)
	}
	return nil
}
