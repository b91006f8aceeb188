// Package retry owns the bounded redelivery path: failed transfers go
// onto a delayed lane with a monotone attempt counter, a consumer feeds
// matured envelopes back into the download pool, and two periodic
// sweeps rescue records the live path lost track of.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochat/wearchive/internal/broker"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/metrics"
)

// MaxTryCount caps redelivery attempts per envelope.
const MaxTryCount = 16

// defaultWait is the fixed redelivery delay.
const defaultWait = time.Minute

// Router places failed envelopes on the delay lane. The tenant secret
// rides inside the serialized payload because the consumer may run on a
// node that has never seen the tenant.
type Router struct {
	delay broker.Delayer
	sink  *metrics.Sink
	wait  time.Duration
	log   zerolog.Logger
}

// NewRouter builds a Router with the default redelivery delay.
func NewRouter(delay broker.Delayer, sink *metrics.Sink, log zerolog.Logger) *Router {
	return &Router{
		delay: delay,
		sink:  sink,
		wait:  defaultWait,
		log:   log.With().Str("component", "retry").Logger(),
	}
}

// Retry increments the envelope's attempt counter and parks it on the
// delay lane. An envelope at the cap is logged and dropped.
func (r *Router) Retry(ctx context.Context, env *domain.Envelope, secret string) {
	if env.TryCount() >= MaxTryCount {
		r.sink.IncRetryExhausted()
		r.log.Error().
			Str("tenant", env.TenantID).
			Str("msgid", env.MsgID).
			Int("tries", env.TryCount()).
			Msg("retry budget exhausted, dropping")
		return
	}
	env.SetTryCount(env.TryCount() + 1)
	env.Set("secret", secret)

	body, err := env.Marshal()
	if err != nil {
		r.log.Error().Err(err).Str("msgid", env.MsgID).Msg("retry serialization failed, dropping")
		return
	}
	if err := r.delay.PublishDelayed(ctx, body, time.Now().Add(r.wait)); err != nil {
		r.log.Error().Err(err).Str("msgid", env.MsgID).Msg("retry enqueue failed, dropping")
		return
	}
	r.sink.IncRetryEnqueued()
}
