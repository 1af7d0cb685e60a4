// Package etcd Agent 注册中心
//
// 每个 Agent 在 {prefix}/agents/{id} 下写入一条带租约的记录，
// KeepAlive 续约；进程异常退出后租约过期，记录自动删除。
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/storage"
)

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	LeaseTTL    int64 // 秒
}

// Registry etcd 注册中心
type Registry struct {
	client *clientv3.Client
	prefix string
	ttl    int64

	mu     sync.Mutex
	record *model.AgentRecord
	lease  clientv3.LeaseID
}

// NewRegistry 连接 etcd
func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, model.Configf("etcd.endpoints", "at least one endpoint is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/launch"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, &model.TransientError{Op: "etcd.status", Err: err}
	}

	log.Printf("[registry.etcd.connected] endpoints=%v", cfg.Endpoints)
	return &Registry{client: client, prefix: cfg.Prefix, ttl: cfg.LeaseTTL}, nil
}

func (r *Registry) key(agentID string) string {
	return fmt.Sprintf("%s/agents/%s", r.prefix, agentID)
}

// Register 写入记录并保持租约，直到 ctx 取消
func (r *Registry) Register(ctx context.Context, rec model.AgentRecord) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	rec.UpdatedAt = time.Now()
	if err := r.put(ctx, &rec, lease.ID); err != nil {
		return err
	}

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.mu.Lock()
	r.record = &rec
	r.lease = lease.ID
	r.mu.Unlock()

	go func() {
		for range keepAlive {
		}
		if ctx.Err() == nil {
			log.Printf("[registry.lease.lost] agent_id=%s", rec.ID)
		}
	}()

	log.Printf("[registry.register] agent_id=%s entity=%s project=%s queues=%v", rec.ID, rec.Entity, rec.Project, rec.Queues)
	return nil
}

// SetStatus 更新状态与运行中任务数
func (r *Registry) SetStatus(ctx context.Context, status model.AgentStatus, runningJobs int) error {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return fmt.Errorf("agent not registered: %w", storage.ErrNotFound)
	}
	if r.record.Status == status && r.record.RunningJobs == runningJobs {
		r.mu.Unlock()
		return nil
	}
	r.record.Status = status
	r.record.RunningJobs = runningJobs
	r.record.UpdatedAt = time.Now()
	rec := *r.record
	lease := r.lease
	r.mu.Unlock()

	return r.put(ctx, &rec, lease)
}

func (r *Registry) put(ctx context.Context, rec *model.AgentRecord, lease clientv3.LeaseID) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal agent record: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key(rec.ID), string(data), clientv3.WithLease(lease)); err != nil {
		return &model.TransientError{Op: "etcd.put", Err: err}
	}
	return nil
}

// Deregister 写入 KILLED 后撤销租约
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	rec := r.record
	lease := r.lease
	r.record = nil
	r.mu.Unlock()
	if rec == nil {
		return nil
	}

	rec.Status = model.AgentStatusKilled
	rec.RunningJobs = 0
	rec.UpdatedAt = time.Now()
	if err := r.put(ctx, rec, lease); err != nil {
		log.Printf("[registry.deregister] agent_id=%s put_error=%v", rec.ID, err)
	}
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	log.Printf("[registry.deregister] agent_id=%s", rec.ID)
	return nil
}

// List 列出所有在线 Agent
func (r *Registry) List(ctx context.Context) ([]*model.AgentRecord, error) {
	resp, err := r.client.Get(ctx, r.prefix+"/agents/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	var out []*model.AgentRecord
	for _, kv := range resp.Kvs {
		var rec model.AgentRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			log.Printf("[registry.list] skip key=%s error=%v", string(kv.Key), err)
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Watch 监听 Agent 记录变化（删除事件不推送）
func (r *Registry) Watch(ctx context.Context) <-chan *model.AgentRecord {
	ch := make(chan *model.AgentRecord, 16)
	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, r.prefix+"/agents/", clientv3.WithPrefix()) {
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					continue
				}
				var rec model.AgentRecord
				if err := json.Unmarshal(ev.Kv.Value, &rec); err != nil {
					continue
				}
				select {
				case ch <- &rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Close 关闭连接
func (r *Registry) Close() error {
	return r.client.Close()
}
