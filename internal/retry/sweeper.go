package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/broker"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
)

const (
	sweepInterval = 10 * time.Minute
	// bigFileIdleFraction gates the abandoned-file sweep: it runs only
	// when the download pool is this idle, so rescued giants never crowd
	// out live traffic.
	bigFileIdleFraction = 0.10
)

// Sweeper periodically rescues records the live path lost: open-window
// records whose envelope fell off the delay lane, and abandoned big
// files once the download pool has spare capacity.
type Sweeper struct {
	db           *gorm.DB
	delay        broker.Delayer
	downloadPool *pool.Pool
	log          zerolog.Logger
	interval     time.Duration
}

// NewSweeper wires a Sweeper with the default 10 minute cadence.
func NewSweeper(db *gorm.DB, delay broker.Delayer, downloadPool *pool.Pool, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		db:           db,
		delay:        delay,
		downloadPool: downloadPool,
		log:          log.With().Str("component", "sweeper").Logger(),
		interval:     sweepInterval,
	}
}

// Run loops both sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepRetryWindow(ctx)
			s.sweepAbandoned(ctx)
		}
	}
}

// sweepRetryWindow re-injects recent undownloaded records, consuming one
// countdown step per pass. A record that exhausts the window stops being
// picked up by the scan.
func (s *Sweeper) sweepRetryWindow(ctx context.Context) {
	recs, err := repo.FindRetryWindow(s.db)
	if err != nil {
		s.log.Error().Err(err).Msg("retry window scan failed")
		return
	}
	for i := range recs {
		rec := &recs[i]
		st := rec.PushStatus()
		if !rec.SetPushStatus(domain.PushStatus{State: domain.StateRetryCountdown, Countdown: st.Countdown + 1}) {
			continue
		}
		if err := repo.SaveRecord(s.db, rec); err != nil {
			s.log.Warn().Err(err).Str("msgid", rec.MsgID).Msg("countdown update failed")
			continue
		}
		s.inject(ctx, rec, false)
	}
	if len(recs) > 0 {
		s.log.Info().Int("count", len(recs)).Msg("retry window swept")
	}
}

// sweepAbandoned re-injects abandoned big files with the stall timeout
// disabled, but only while the download pool is nearly idle.
func (s *Sweeper) sweepAbandoned(ctx context.Context) {
	if !s.downloadPool.Idle(bigFileIdleFraction) {
		return
	}
	recs, err := repo.FindAbandonedBigFiles(s.db)
	if err != nil {
		s.log.Error().Err(err).Msg("abandoned scan failed")
		return
	}
	for i := range recs {
		s.inject(ctx, &recs[i], true)
	}
	if len(recs) > 0 {
		s.log.Info().Int("count", len(recs)).Msg("abandoned big files re-injected")
	}
}

// inject rebuilds the wire envelope from the stored content and parks it
// on the delay lane for immediate redelivery.
func (s *Sweeper) inject(ctx context.Context, rec *domain.Record, bigFile bool) {
	env, err := domain.ParseEnvelope([]byte(rec.Content))
	if err != nil {
		s.log.Warn().Err(err).Str("msgid", rec.MsgID).Msg("stored content undecodable, skipping")
		return
	}
	env.TenantID = rec.TenantID
	env.Seq = rec.Seq
	if bigFile {
		env.Set("big_file", true)
	}
	if env.Secret() == "" {
		tenant, found, err := repo.FindTenant(s.db, rec.TenantID)
		if err != nil || !found {
			s.log.Warn().Str("tenant", rec.TenantID).Msg("tenant lookup failed, skipping record")
			return
		}
		env.Set("secret", tenant.Secret)
	}
	body, err := env.Marshal()
	if err != nil {
		return
	}
	if err := s.delay.PublishDelayed(ctx, body, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("msgid", rec.MsgID).Msg("sweep enqueue failed")
	}
}
