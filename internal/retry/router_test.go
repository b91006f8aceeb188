package retry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/metrics"
)

type captureDelayer struct {
	bodies  [][]byte
	deliver []time.Time
	err     error
}

func (d *captureDelayer) PublishDelayed(_ context.Context, value []byte, deliverAt time.Time) error {
	if d.err != nil {
		return d.err
	}
	d.bodies = append(d.bodies, value)
	d.deliver = append(d.deliver, deliverAt)
	return nil
}

func testEnvelope(t *testing.T, tryCount int) *domain.Envelope {
	t.Helper()
	env, err := domain.ParseEnvelope([]byte(`{"msgid":"m1","msgtype":"image"}`))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TenantID = "corp1"
	env.Seq = 5
	if tryCount > 0 {
		env.SetTryCount(tryCount)
	}
	return env
}

func TestRouter_Retry_Enqueues(t *testing.T) {
	delay := &captureDelayer{}
	r := NewRouter(delay, metrics.NewNopSink(), zerolog.Nop())

	before := time.Now()
	r.Retry(context.Background(), testEnvelope(t, 0), "secret1")
	if len(delay.bodies) != 1 {
		t.Fatalf("enqueued %d payloads", len(delay.bodies))
	}
	if wait := delay.deliver[0].Sub(before); wait < 50*time.Second || wait > 70*time.Second {
		t.Fatalf("redelivery delay: %v", wait)
	}

	var wire map[string]any
	if err := json.Unmarshal(delay.bodies[0], &wire); err != nil {
		t.Fatalf("wire: %v", err)
	}
	if wire["tryCount"] != float64(1) {
		t.Fatalf("try count: %v", wire["tryCount"])
	}
	if wire["secret"] != "secret1" {
		t.Fatalf("secret not carried: %v", wire["secret"])
	}
	if wire["corp_id"] != "corp1" {
		t.Fatalf("tenant header not synced: %v", wire["corp_id"])
	}
}

func TestRouter_Retry_CountsAttempts(t *testing.T) {
	delay := &captureDelayer{}
	r := NewRouter(delay, metrics.NewNopSink(), zerolog.Nop())
	env := testEnvelope(t, 7)
	r.Retry(context.Background(), env, "s")
	if env.TryCount() != 8 {
		t.Fatalf("try count: %d", env.TryCount())
	}
}

func TestRouter_Retry_DropsAtCap(t *testing.T) {
	delay := &captureDelayer{}
	sink := metrics.NewNopSink()
	r := NewRouter(delay, sink, zerolog.Nop())

	env := testEnvelope(t, MaxTryCount-1)
	r.Retry(context.Background(), env, "s")
	if len(delay.bodies) != 1 {
		t.Fatalf("attempt %d was refused", MaxTryCount)
	}
	if env.TryCount() != MaxTryCount {
		t.Fatalf("try count: %d", env.TryCount())
	}

	r.Retry(context.Background(), env, "s")
	if len(delay.bodies) != 1 {
		t.Fatalf("exhausted envelope was enqueued")
	}
	if sink.Snapshot().RetryExhausted != 1 {
		t.Fatalf("exhaustion not counted")
	}
}

func TestRouter_Retry_FullBudget(t *testing.T) {
	delay := &captureDelayer{}
	r := NewRouter(delay, metrics.NewNopSink(), zerolog.Nop())
	env := testEnvelope(t, 0)
	for i := 0; i < MaxTryCount+2; i++ {
		r.Retry(context.Background(), env, "s")
	}
	if len(delay.bodies) != MaxTryCount {
		t.Fatalf("enqueued %d payloads, want %d", len(delay.bodies), MaxTryCount)
	}
	if env.TryCount() != MaxTryCount {
		t.Fatalf("try count: %d", env.TryCount())
	}
}
