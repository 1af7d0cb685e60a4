// Package infra Redis 基础设施初始化
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"

	"launch-agent/internal/shared/eventbus"
	eventbusredis "launch-agent/internal/shared/eventbus/redis"
	queueredis "launch-agent/internal/shared/queue/redis"
)

// RedisInfra 共用一个连接的 Redis 组件
type RedisInfra struct {
	queueStore    *queueredis.Store
	eventBusStore *eventbusredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(ctx context.Context, redisURL string, opts queueredis.Options) (*RedisInfra, error) {
	client, err := queueredis.Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}

	return &RedisInfra{
		client:        client,
		queueStore:    queueredis.NewStoreFromClient(client, opts),
		eventBusStore: eventbusredis.NewStoreFromClient(client),
	}, nil
}

// Queue 工作队列
func (r *RedisInfra) Queue() *queueredis.Store { return r.queueStore }

// EventBus 任务事件流
func (r *RedisInfra) EventBus() eventbus.EventBus { return r.eventBusStore }

// Close 关闭连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
