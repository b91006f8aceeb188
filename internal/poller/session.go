package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/classify"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/download"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
	"github.com/mochat/wearchive/internal/seal"
)

const (
	// pageSize is the batch-fetch ceiling the archive service accepts.
	pageSize = 500
	// pollInterval throttles steady-state polling per tenant.
	pollInterval = 200 * time.Millisecond
	// saturationSleep is the backoff after a download-pool rejection.
	saturationSleep = 5 * time.Minute
	// batchUnitSize is the dispatch unit for batch-mode tenants.
	batchUnitSize = 10
)

// session is the poll loop state for one tenant. The cursor is owned
// exclusively by the loop goroutine.
type session struct {
	tenant  domain.Tenant
	opener  *seal.Opener
	deps    *Deps
	limiter *rate.Limiter
	log     zerolog.Logger

	cursor uint64
	cancel context.CancelFunc
	done   chan struct{}

	// Batch-mode accumulator. fetchPos runs ahead of the persisted
	// cursor while records buffer toward a full dispatch unit.
	unit     map[uint64]archive.EncryptedRecord
	fetchPos uint64

	mu     sync.Mutex
	client archive.Client
}

func newSession(tenant domain.Tenant, deps *Deps) *session {
	return &session{
		tenant:  tenant,
		opener:  seal.NewOpener(tenant.PrivateKey),
		deps:    deps,
		limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
		log:     deps.Log.With().Str("component", "poller").Str("tenant", tenant.TenantID).Logger(),
		done:    make(chan struct{}),
		unit:    make(map[uint64]archive.EncryptedRecord),
	}
}

// Client returns the tenant's archive handle, dialing on first use.
func (s *session) Client() (archive.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.deps.Dialer(s.tenant.TenantID, s.tenant.Secret)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	if s.tenant.PrivateKey == "" {
		s.log.Warn().Msg("tenant has no private key, loop inert")
		return
	}

	cursor, err := s.deps.Cursors.Load(ctx, s.tenant.TenantID)
	if err != nil {
		s.log.Error().Err(err).Msg("cursor load failed, starting from zero")
	}
	s.cursor = cursor
	s.log.Info().Uint64("cursor", s.cursor).Msg("poll loop started")

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := archive.PollBackoff(err)
			s.deps.Sink.SetTenantHealth(s.tenant.TenantID, false)
			s.log.Warn().Err(err).Dur("backoff", wait).Msg("poll failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		s.deps.Sink.SetTenantHealth(s.tenant.TenantID, true)
	}
}

// pollOnce fetches one page from the cursor and processes it. The cursor
// is persisted after the page (or, on pool saturation, at the last
// record that was actually accepted).
func (s *session) pollOnce(ctx context.Context) error {
	client, err := s.Client()
	if err != nil {
		return err
	}
	from := s.cursor
	if s.tenant.BatchMode && s.fetchPos > from {
		from = s.fetchPos
	}
	batch, err := client.FetchBatch(ctx, from, pageSize)
	if err != nil {
		return err
	}
	if len(batch.Records) == 0 {
		return nil
	}

	if s.tenant.BatchMode {
		return s.processBatch(ctx, client, batch.Records)
	}

	for _, enc := range batch.Records {
		ok, err := s.processRecord(ctx, client, enc)
		if err != nil {
			return err
		}
		if !ok {
			// Pool saturated. Persist progress up to the previous record
			// and let the next cycle refetch the rejected one.
			s.persistCursor(ctx)
			s.log.Info().Uint64("cursor", s.cursor).Msg("download pool saturated, pausing")
			sleepCtx(ctx, saturationSleep)
			return nil
		}
		s.cursor = enc.Seq
	}
	s.persistCursor(ctx)
	return nil
}

// processRecord decrypts and routes one record. The bool is false when
// the download pool rejected it and the cursor must not advance past it.
func (s *session) processRecord(ctx context.Context, client archive.Client, enc archive.EncryptedRecord) (bool, error) {
	env, rec, skip := s.decode(enc)
	if skip {
		return true, nil
	}

	if classify.NeedsDownload(env) {
		if err := repo.InsertRecordIfAbsent(s.deps.DB, rec); err != nil {
			return true, err
		}
		err := s.deps.Pool.Submit(func() { s.download(client, env, rec) })
		if errors.Is(err, pool.ErrPoolSaturated) {
			return false, nil
		}
		return true, err
	}

	if err := s.publishDirect(ctx, env, rec); err != nil {
		return true, err
	}
	return true, nil
}

// decode decrypts one record into an envelope plus durable row. skip is
// true for switch actions, decrypt failures and already-handled rows.
func (s *session) decode(enc archive.EncryptedRecord) (*domain.Envelope, *domain.Record, bool) {
	plaintext, err := s.opener.Open(enc.EncryptRandomKey, enc.EncryptChatMsg)
	if err != nil {
		// Deterministic: retrying the same ciphertext cannot succeed.
		s.log.Error().Err(err).Uint64("seq", enc.Seq).Msg("decrypt failed, record dropped")
		return nil, nil, true
	}
	env, err := domain.ParseEnvelope(plaintext)
	if err != nil {
		s.log.Error().Err(err).Uint64("seq", enc.Seq).Msg("unparseable record dropped")
		return nil, nil, true
	}
	env.TenantID = s.tenant.TenantID
	env.Seq = enc.Seq

	s.deps.Sink.IncMessagesSeen()
	if env.MsgTime > 0 {
		s.deps.Sink.SetTenantLag(s.tenant.TenantID, time.Since(time.UnixMilli(env.MsgTime)))
	}

	if env.Action == domain.ActionSwitch {
		return nil, nil, true
	}

	if existing, found, err := repo.FindRecord(s.deps.DB, env.TenantID, env.MsgID, env.Seq); err == nil && found && existing.PushStatus().Terminal() {
		return nil, nil, true
	}

	rec := &domain.Record{
		TenantID: env.TenantID,
		MsgID:    env.MsgID,
		Seq:      env.Seq,
		Content:  string(plaintext),
		MsgType:  env.MsgType,
		DateNo:   env.DateNo(),
		CreateAt: env.MsgTime,
	}
	if sect := env.Section(classify.Normalize(env.MsgType)); sect != nil {
		rec.SDKFileID, _ = sect["sdkfileid"].(string)
		rec.Checksum, _ = sect["md5sum"].(string)
	}
	return env, rec, false
}

// publishDirect handles records with nothing to download.
func (s *session) publishDirect(ctx context.Context, env *domain.Envelope, rec *domain.Record) error {
	start := time.Now()
	if err := repo.InsertRecordIfAbsent(s.deps.DB, rec); err != nil {
		return err
	}
	s.deps.Sink.ObserveSaveCost("insert", time.Since(start))

	if err := s.deps.Out.Publish(ctx, env); err != nil {
		s.deps.Router.Retry(ctx, env, s.tenant.Secret)
		return nil
	}
	rec.SetPushStatus(domain.PushStatus{State: domain.StatePushed, PushedAt: time.Now().UnixMilli()})
	return repo.SaveRecord(s.deps.DB, rec)
}

// download is the pool task body for one media record.
func (s *session) download(client archive.Client, env *domain.Envelope, rec *domain.Record) {
	ctx := context.Background()
	err := s.deps.Engine.Run(ctx, client, env, rec)
	switch {
	case err == nil:
	case errors.Is(err, download.ErrStalled):
		// Marked abandoned inside the engine; the big-file sweep owns it.
	default:
		s.log.Warn().Err(err).Str("msgid", env.MsgID).Msg("download failed, routing to retry")
		s.deps.Router.Retry(ctx, env, s.tenant.Secret)
	}
}

// processBatch accumulates fetched records for batch-mode tenants and
// dispatches them in fixed-size units once enough have buffered. The
// persisted cursor only advances past a unit when every record in it
// succeeded; a failed unit resets the accumulator so the next fetch
// replays from the persisted cursor. Replay of a partially failed unit
// is safe because row inserts are keyed at-most-once.
func (s *session) processBatch(ctx context.Context, client archive.Client, records []archive.EncryptedRecord) error {
	for _, enc := range records {
		if enc.Seq <= s.cursor {
			continue
		}
		s.unit[enc.Seq] = enc
		if enc.Seq > s.fetchPos {
			s.fetchPos = enc.Seq
		}
	}
	for len(s.unit) >= batchUnitSize {
		if !s.dispatchUnit(ctx, client) {
			s.unit = make(map[uint64]archive.EncryptedRecord)
			s.fetchPos = s.cursor
			return nil
		}
	}
	return nil
}

// dispatchUnit processes the lowest batchUnitSize buffered seqs
// concurrently, reporting whether all of them succeeded. On success the
// unit leaves the buffer and the cursor moves to its highest seq.
func (s *session) dispatchUnit(ctx context.Context, client archive.Client) bool {
	seqs := make([]uint64, 0, len(s.unit))
	for seq := range s.unit {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	seqs = seqs[:batchUnitSize]

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := false
	for _, seq := range seqs {
		env, rec, skip := s.decode(s.unit[seq])
		if skip {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if classify.NeedsDownload(env) {
				if err = repo.InsertRecordIfAbsent(s.deps.DB, rec); err == nil {
					err = s.deps.Engine.Run(ctx, client, env, rec)
				}
			} else {
				err = s.publishDirect(ctx, env, rec)
			}
			if err != nil {
				s.log.Warn().Err(err).Str("msgid", env.MsgID).Msg("batch unit record failed")
				mu.Lock()
				failed = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed {
		return false
	}
	for _, seq := range seqs {
		delete(s.unit, seq)
	}
	s.cursor = seqs[len(seqs)-1]
	s.persistCursor(ctx)
	return true
}

func (s *session) persistCursor(ctx context.Context) {
	if err := s.deps.Cursors.Save(ctx, s.tenant.TenantID, s.cursor); err != nil {
		s.log.Error().Err(err).Uint64("cursor", s.cursor).Msg("cursor persist failed")
	}
}

func (s *session) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.mu.Unlock()
}

// sleepCtx waits d unless ctx ends first; it reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
