// Package queue 启动队列抽象接口
//
// Agent 只依赖本接口消费远端队列；当前有两种实现：
//   - redis:  Redis Streams + 消费者组（消费者组的 pending 列表即租约）
//   - httpq:  控制面 HTTP API
//
// 互斥完全委托给远端队列的租约语义，客户端不做分布式加锁。
package queue

import (
	"context"

	"launch-agent/internal/shared/model"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// Queue 启动队列接口
type Queue interface {
	// Pop 从指定队列弹出一个条目；队列为空时返回 (nil, nil)
	Pop(ctx context.Context, queueName, entity, project string) (*model.QueueItem, error)

	// Ack 确认条目已成功派发
	Ack(ctx context.Context, itemID string) error

	// Fail 确认条目并标记为派发失败（同样会结束租约，不再重新投递）
	Fail(ctx context.Context, itemID, reason string) error

	// ListQueues 列出 entity/project 下存在的队列名
	ListQueues(ctx context.Context, entity, project string) ([]string, error)
}

// Pusher 可写入的队列（CLI push 与测试使用）
type Pusher interface {
	Push(ctx context.Context, queueName, entity, project string, spec model.RunSpec, priority int) (string, error)
}
