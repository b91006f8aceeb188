// Package pool wraps ants goroutine pools behind a small admission API.
// Submission never blocks: a full pool reports ErrPoolSaturated so the
// caller can fall back to its retry lane instead of stalling a poller.
package pool

import (
	"errors"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/mochat/wearchive/internal/metrics"
)

// ErrPoolSaturated is returned by Submit when every worker is busy.
var ErrPoolSaturated = errors.New("pool: all workers busy")

// Pool is a fixed-capacity worker pool with nonblocking admission.
type Pool struct {
	name  string
	inner *ants.Pool
	sink  *metrics.Sink
	log   zerolog.Logger
}

// New builds a named pool with the given worker cap.
func New(name string, size int, sink *metrics.Sink, log zerolog.Logger) (*Pool, error) {
	inner, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			log.Error().Str("pool", name).Any("panic", v).Msg("worker panicked")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{
		name:  name,
		inner: inner,
		sink:  sink,
		log:   log.With().Str("pool", name).Logger(),
	}, nil
}

// Submit hands task to an idle worker. It returns ErrPoolSaturated
// without blocking when none is available.
func (p *Pool) Submit(task func()) error {
	err := p.inner.Submit(func() {
		task()
		p.sink.SetPoolActive(p.name, p.inner.Running())
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrPoolSaturated
	}
	if err != nil {
		return err
	}
	p.sink.SetPoolActive(p.name, p.inner.Running())
	return nil
}

// Active reports the number of busy workers.
func (p *Pool) Active() int { return p.inner.Running() }

// Cap reports the worker limit.
func (p *Pool) Cap() int { return p.inner.Cap() }

// Idle reports true when utilization is below the given fraction. The
// big-file sweep uses this to avoid flooding a busy pool.
func (p *Pool) Idle(below float64) bool {
	return float64(p.inner.Running()) < below*float64(p.inner.Cap())
}

// Release stops the pool. In-flight tasks run to completion.
func (p *Pool) Release() { p.inner.Release() }
