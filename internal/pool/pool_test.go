package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochat/wearchive/internal/metrics"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p, err := New("test", size, metrics.NewNopSink(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Release)
	return p
}

func TestPool_RunsTasks(t *testing.T) {
	p := newTestPool(t, 4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		for {
			err := p.Submit(func() {
				mu.Lock()
				done++
				mu.Unlock()
				wg.Done()
			})
			if err == nil {
				break
			}
			if !errors.Is(err, ErrPoolSaturated) {
				t.Fatalf("submit: %v", err)
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()
	if done != 8 {
		t.Fatalf("ran %d tasks", done)
	}
}

func TestPool_SaturationDoesNotBlock(t *testing.T) {
	p := newTestPool(t, 2)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		if err := p.Submit(func() {
			started <- struct{}{}
			<-release
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	<-started
	<-started

	begin := time.Now()
	err := p.Submit(func() {})
	if !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("want ErrPoolSaturated, got %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Fatalf("saturated submit blocked")
	}
	close(release)
}

func TestPool_ActiveAndIdle(t *testing.T) {
	p := newTestPool(t, 10)
	if p.Cap() != 10 {
		t.Fatalf("cap: %d", p.Cap())
	}
	if !p.Idle(0.10) {
		t.Fatalf("empty pool should be idle")
	}

	release := make(chan struct{})
	started := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		if err := p.Submit(func() {
			started <- struct{}{}
			<-release
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		<-started
	}
	if p.Active() != 5 {
		t.Fatalf("active: %d", p.Active())
	}
	if p.Idle(0.10) {
		t.Fatalf("half-busy pool reported idle below 10%%")
	}
	if !p.Idle(0.60) {
		t.Fatalf("half-busy pool should be idle below 60%%")
	}
	close(release)
}
