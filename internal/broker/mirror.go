package broker

import (
	"context"

	"github.com/rs/zerolog"
)

// Mirror publishes to a primary backend and then, best effort, to a
// secondary one. A mirror failure is logged and swallowed; only the
// primary outcome decides the caller's error path.
type Mirror struct {
	primary   Publisher
	secondary Publisher
	log       zerolog.Logger
}

// NewMirror wraps primary with a best-effort secondary.
func NewMirror(primary, secondary Publisher, log zerolog.Logger) *Mirror {
	return &Mirror{primary: primary, secondary: secondary, log: log}
}

// Publish implements Publisher.
func (m *Mirror) Publish(ctx context.Context, key string, value []byte) error {
	if err := m.primary.Publish(ctx, key, value); err != nil {
		return err
	}
	if err := m.secondary.Publish(ctx, key, value); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("mirror publish failed")
	}
	return nil
}

// Close implements Publisher.
func (m *Mirror) Close() error {
	err := m.primary.Close()
	if cerr := m.secondary.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
