// Package eventbus 事件总线抽象接口
//
// Agent 把任务生命周期事件发布到 entity/project 维度的事件流，
// 控制面或 CLI 读取/订阅以展示队列条目的去向。当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// Publisher 发布任务事件
type Publisher interface {
	Publish(ctx context.Context, entity, project string, event *JobEvent) error
}

// Reader 读取任务事件
type Reader interface {
	// Events 从 fromID（含）开始读取，fromID 为空时从头开始；count<=0 表示不限
	Events(ctx context.Context, entity, project, fromID string, count int64) ([]*JobEvent, error)
	// Subscribe 订阅新事件，ctx 取消时关闭通道
	Subscribe(ctx context.Context, entity, project string) (<-chan *JobEvent, error)
}

// EventBus 事件总线组合接口
type EventBus interface {
	Publisher
	Reader
	Close() error
}
