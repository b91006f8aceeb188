package retry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/download"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
)

// ClientFor opens (or reuses) an archive client for a tenant. The
// poller's session registry provides the production implementation.
type ClientFor func(tenantID, secret string) (archive.Client, error)

// Consumer drains matured envelopes off the delay lane and resubmits
// them to the download pool.
type Consumer struct {
	db        *gorm.DB
	pool      *pool.Pool
	engine    *download.Engine
	clientFor ClientFor
	router    *Router
	sink      *metrics.Sink
	log       zerolog.Logger
}

// NewConsumer wires a Consumer.
func NewConsumer(db *gorm.DB, p *pool.Pool, engine *download.Engine, clientFor ClientFor, router *Router, sink *metrics.Sink, log zerolog.Logger) *Consumer {
	return &Consumer{
		db:        db,
		pool:      p,
		engine:    engine,
		clientFor: clientFor,
		router:    router,
		sink:      sink,
		log:       log.With().Str("component", "retry-consumer").Logger(),
	}
}

// Handle processes one matured delay-lane payload. A returned error
// requeues the payload; malformed payloads are dropped.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	env, err := domain.ParseEnvelope(body)
	if err != nil {
		c.log.Error().Err(err).Msg("undecodable retry payload, dropping")
		return nil
	}

	rec, found, err := repo.FindRecord(c.db, env.TenantID, env.MsgID, env.Seq)
	if err != nil {
		return err
	}
	if found && rec.Downloaded() {
		// A peer finished the transfer while this envelope waited.
		c.sink.IncRetrySucceeded()
		return nil
	}
	if !found {
		rec = recordFromEnvelope(env, body)
		if err := repo.InsertRecordIfAbsent(c.db, rec); err != nil {
			return err
		}
	}

	err = c.pool.Submit(func() { c.work(env, rec) })
	if errors.Is(err, pool.ErrPoolSaturated) {
		// Leave the payload on the lane; it redelivers after a tick.
		return err
	}
	return err
}

func (c *Consumer) work(env *domain.Envelope, rec *domain.Record) {
	ctx := context.Background()
	secret := env.Secret()

	client, err := c.clientFor(env.TenantID, secret)
	if err != nil {
		c.log.Warn().Err(err).Str("tenant", env.TenantID).Msg("archive dial failed")
		c.router.Retry(ctx, env, secret)
		return
	}

	err = c.engine.Run(ctx, client, env, rec)
	switch {
	case err == nil:
		c.sink.IncRetrySucceeded()
	case errors.Is(err, download.ErrStalled):
		// Already marked abandoned; the big-file sweep owns it now.
	default:
		c.log.Warn().Err(err).Str("msgid", env.MsgID).Msg("retry attempt failed")
		c.router.Retry(ctx, env, secret)
	}
}

func recordFromEnvelope(env *domain.Envelope, body []byte) *domain.Record {
	rec := &domain.Record{
		TenantID: env.TenantID,
		MsgID:    env.MsgID,
		Seq:      env.Seq,
		Content:  string(body),
		MsgType:  env.MsgType,
		DateNo:   env.DateNo(),
		CreateAt: env.MsgTime,
	}
	if sect := env.Section(env.MsgType); sect != nil {
		rec.SDKFileID, _ = sect["sdkfileid"].(string)
		rec.Checksum, _ = sect["md5sum"].(string)
	}
	return rec
}
