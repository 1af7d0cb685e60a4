// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Queue：工作队列（Redis Streams 或 HTTP 控制面，外层带重试）
//   - EventBus：任务事件流（Redis Streams）
//   - Store：对象存储（MinIO）
//   - Ledger：派发记录（SQLite）
//   - Registry：Agent 注册中心（etcd）
package infra

import (
	"launch-agent/internal/shared/eventbus"
	"launch-agent/internal/shared/objstore"
	"launch-agent/internal/shared/queue"
	"launch-agent/internal/shared/storage/etcd"
	"launch-agent/internal/shared/storage/ledger"
)

// Infrastructure 基础设施聚合结构
//
// Queue 之外的组件都是可选的，未配置时为 nil。
type Infrastructure struct {
	Queue    queue.Queue
	EventBus eventbus.EventBus
	Store    objstore.Store
	Ledger   *ledger.Ledger
	Registry *etcd.Registry

	closers []func() error
}

// OnClose 登记关闭函数，Close 时按登记的逆序调用
func (i *Infrastructure) OnClose(fn func() error) {
	i.closers = append(i.closers, fn)
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			lastErr = err
		}
	}
	i.closers = nil
	return lastErr
}

// NewNoOpInfrastructure 创建内存基础设施（用于测试）
func NewNoOpInfrastructure() *Infrastructure {
	return &Infrastructure{
		Queue:    queue.NewMemoryQueue(),
		EventBus: eventbus.NewNoOpEventBus(),
	}
}
