// Package pubsub publishes instance lifecycle events for the
// downstream statistics consumers. The service only ever publishes;
// subscription lives in the stats aggregator, outside this process.
package pubsub

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Lifecycle channels.
const (
	ChannelInstanceNew    = "ets:instance:new"
	ChannelInstanceJoin   = "ets:instance:join"
	ChannelInstanceLeave  = "ets:instance:leave"
	ChannelInstanceReady  = "ets:instance:ready"
	ChannelInstanceOver   = "ets:instance:over"
	ChannelInstanceDrop   = "ets:instance:drop"
	ChannelInstanceError  = "ets:instance:error"
	ChannelInstanceHunged = "ets:instance:hunged"
	ChannelStats          = "ets:stats"
)

// Bus publishes lifecycle events.
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// RedisBus is the production bus, one Redis PUBLISH per event.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("pubsub publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// Nop is used when Redis is disabled and in tests.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
