package events

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// RedisMirror 将事件以 JSON 发布到 Redis 频道，供外部服务（通知、统计）订阅
type RedisMirror struct {
	rdb     *redis.Client
	channel string
}

func NewRedisMirror(rdb *redis.Client, channel string) *RedisMirror {
	if channel == "" {
		channel = "course-access-events"
	}
	return &RedisMirror{rdb: rdb, channel: channel}
}

func (m *RedisMirror) Forward(ctx context.Context, evt Event, raw []byte) error {
	if m == nil || m.rdb == nil {
		return errors.New("redis mirror not initialized")
	}
	return m.rdb.Publish(ctx, m.channel, raw).Err()
}
