// Package queue 内存队列实现（用于测试和本地调试）
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"launch-agent/internal/shared/model"
)

// ============================================================================
// MemoryQueue - 内存实现
// ============================================================================

// MemoryQueue 进程内队列
//
// 弹出的条目进入 inflight，Ack/Fail 后移除；Expire 模拟租约过期重新投递。
type MemoryQueue struct {
	mu       sync.Mutex
	seq      int
	queues   map[string][]*model.QueueItem // key: entity/project/queue
	inflight map[string]inflightItem

	Acked  []string
	Failed map[string]string
	Pops   int
}

type inflightItem struct {
	key  string
	item *model.QueueItem
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:   make(map[string][]*model.QueueItem),
		inflight: make(map[string]inflightItem),
		Failed:   make(map[string]string),
	}
}

func memKey(entity, project, queueName string) string {
	return entity + "/" + project + "/" + queueName
}

// CreateQueue 创建空队列
func (q *MemoryQueue) CreateQueue(queueName, entity, project string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := memKey(entity, project, queueName)
	if _, ok := q.queues[key]; !ok {
		q.queues[key] = nil
	}
}

// Push 实现 Pusher
func (q *MemoryQueue) Push(ctx context.Context, queueName, entity, project string, spec model.RunSpec, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := fmt.Sprintf("item-%d", q.seq)
	key := memKey(entity, project, queueName)
	q.queues[key] = append(q.queues[key], &model.QueueItem{
		ID:       id,
		Queue:    queueName,
		Priority: priority,
		RunSpec:  spec,
	})
	return id, nil
}

// Pop 实现 Queue
func (q *MemoryQueue) Pop(ctx context.Context, queueName, entity, project string) (*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Pops++
	key := memKey(entity, project, queueName)
	items, ok := q.queues[key]
	if !ok {
		return nil, &model.NotFoundError{Kind: "queue", Name: queueName}
	}
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0]
	q.queues[key] = items[1:]
	item.PoppedAt = time.Now()
	q.inflight[item.ID] = inflightItem{key: key, item: item}
	return item, nil
}

// Ack 实现 Queue
func (q *MemoryQueue) Ack(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[itemID]; !ok {
		return &model.NotFoundError{Kind: "queue item", Name: itemID}
	}
	delete(q.inflight, itemID)
	q.Acked = append(q.Acked, itemID)
	return nil
}

// Fail 实现 Queue
func (q *MemoryQueue) Fail(ctx context.Context, itemID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[itemID]; !ok {
		return &model.NotFoundError{Kind: "queue item", Name: itemID}
	}
	delete(q.inflight, itemID)
	q.Failed[itemID] = reason
	return nil
}

// ListQueues 实现 Queue
func (q *MemoryQueue) ListQueues(ctx context.Context, entity, project string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prefix := entity + "/" + project + "/"
	var names []string
	for key := range q.queues {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names, nil
}

// Expire 模拟租约过期：所有未确认条目重新回到队首
func (q *MemoryQueue) Expire() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, in := range q.inflight {
		q.queues[in.key] = append([]*model.QueueItem{in.item}, q.queues[in.key]...)
		delete(q.inflight, id)
		n++
	}
	return n
}

// Len 队列中待弹出的条目数
func (q *MemoryQueue) Len(queueName, entity, project string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[memKey(entity, project, queueName)])
}

// 确保 MemoryQueue 实现了接口
var (
	_ Queue  = (*MemoryQueue)(nil)
	_ Pusher = (*MemoryQueue)(nil)
)
