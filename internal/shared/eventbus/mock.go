// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (e *NoOpEventBus) Close() error { return nil }

func (e *NoOpEventBus) Publish(ctx context.Context, entity, project string, event *JobEvent) error {
	return nil
}

func (e *NoOpEventBus) Events(ctx context.Context, entity, project, fromID string, count int64) ([]*JobEvent, error) {
	return []*JobEvent{}, nil
}

func (e *NoOpEventBus) Subscribe(ctx context.Context, entity, project string) (<-chan *JobEvent, error) {
	ch := make(chan *JobEvent)
	close(ch)
	return ch, nil
}

// ============================================================================
// MemoryEventBus - 内存实现（测试用）
// ============================================================================

// MemoryEventBus 按 stream 保存事件
type MemoryEventBus struct {
	mu      sync.Mutex
	seq     int
	streams map[string][]*JobEvent
}

// NewMemoryEventBus 创建内存事件总线
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{streams: make(map[string][]*JobEvent)}
}

func (e *MemoryEventBus) Close() error { return nil }

func (e *MemoryEventBus) Publish(ctx context.Context, entity, project string, event *JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	cp := *event
	cp.ID = fmt.Sprintf("%d-0", e.seq)
	key := StreamKey(entity, project)
	e.streams[key] = append(e.streams[key], &cp)
	return nil
}

func (e *MemoryEventBus) Events(ctx context.Context, entity, project, fromID string, count int64) ([]*JobEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*JobEvent
	started := fromID == ""
	for _, ev := range e.streams[StreamKey(entity, project)] {
		if !started && ev.ID == fromID {
			started = true
		}
		if !started {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Subscribe 内存实现不支持订阅，返回已关闭的通道
func (e *MemoryEventBus) Subscribe(ctx context.Context, entity, project string) (<-chan *JobEvent, error) {
	ch := make(chan *JobEvent)
	close(ch)
	return ch, nil
}

// Types 按发布顺序返回事件类型（测试断言用）
func (e *MemoryEventBus) Types(entity, project string) []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EventType
	for _, ev := range e.streams[StreamKey(entity, project)] {
		out = append(out, ev.Type)
	}
	return out
}

// 确保实现了 EventBus 接口
var (
	_ EventBus = (*NoOpEventBus)(nil)
	_ EventBus = (*MemoryEventBus)(nil)
)
