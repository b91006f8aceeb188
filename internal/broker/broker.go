// Package broker abstracts the outbound message bus. Two backends are
// provided: Kafka (keyed partitioning, the default) and Redis Streams
// (single-node deployments). Delayed redelivery always rides a Redis
// sorted set because neither backend delays natively.
package broker

import (
	"context"
	"time"
)

// Publisher delivers an outbound record. Records sharing a key must be
// observed by consumers in publish order.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// Delayer parks a payload until deliverAt, after which a pump hands it
// to the retry consumer.
type Delayer interface {
	PublishDelayed(ctx context.Context, value []byte, deliverAt time.Time) error
}
