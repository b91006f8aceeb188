// Package dispatch publishes finished records to the outbound bus with
// a stable sharding key so conversations stay ordered downstream.
package dispatch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochat/wearchive/internal/broker"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/metrics"
)

// randomShards bounds the fallback key space for records without a
// sender, so keyless traffic still spreads over a fixed partition set.
const randomShards = 16

// Dispatcher signs, tags and publishes outbound envelopes.
type Dispatcher struct {
	pub     broker.Publisher
	sink    *metrics.Sink
	source  string
	backend string
	log     zerolog.Logger
}

// New builds a Dispatcher. source tags every envelope so consumers can
// tell apart ingest fleets; backend labels the push-cost metric.
func New(pub broker.Publisher, sink *metrics.Sink, source, backend string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		sink:    sink,
		source:  source,
		backend: backend,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Publish signs the envelope, picks its sharding key and hands it to
// the bus. The envelope is mutated in place (signature and source tag)
// before serialization.
func (d *Dispatcher) Publish(ctx context.Context, env *domain.Envelope) error {
	env.Set("source", d.source)
	if sig := signature(env); sig != "" {
		env.Set("_sign", sig)
	}

	key := env.ShardingKey()
	if key != "" {
		d.sink.IncShardKey("sender")
	} else {
		key = strconv.Itoa(rand.Intn(randomShards))
		d.sink.IncShardKey("random")
	}

	body, err := env.Marshal()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := d.pub.Publish(ctx, key, body); err != nil {
		return err
	}
	d.sink.ObservePushCost(d.backend, time.Since(start))
	d.sink.IncPublished(d.backend, env.TenantID)
	d.log.Debug().
		Str("tenant", env.TenantID).
		Str("msgid", env.MsgID).
		Str("key", key).
		Msg("published")
	return nil
}

// signature derives the integrity tag: the md5 of text content when the
// record carries text, else of its remote storage path. Records with
// neither go out unsigned.
func signature(env *domain.Envelope) string {
	var material string
	if sect := env.Section(env.MsgType); sect != nil {
		if c, ok := sect["content"].(string); ok && c != "" {
			material = c
		}
	}
	if material == "" {
		material = env.Str("ossPath")
	}
	if material == "" {
		return ""
	}
	sum := md5.Sum([]byte(material))
	return hex.EncodeToString(sum[:])
}
