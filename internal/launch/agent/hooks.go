package agent

import (
	"context"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/storage/ledger"
)

// Ledger 派发记录（*ledger.Ledger 实现）
type Ledger interface {
	Begin(ctx context.Context, itemID, queueName string) (*ledger.Entry, error)
	MarkDispatched(ctx context.Context, itemID, runID, backend, jobID string) error
	MarkFailed(ctx context.Context, itemID, reason string) error
}

// Registry Agent 注册中心（*etcd.Registry 实现）
type Registry interface {
	Register(ctx context.Context, rec model.AgentRecord) error
	SetStatus(ctx context.Context, status model.AgentStatus, runningJobs int) error
	Deregister(ctx context.Context) error
}

// Resolver 项目解析（*resolver.Resolver 实现）
type Resolver interface {
	Resolve(ctx context.Context, spec model.RunSpec, call model.Overrides) (*model.LaunchProject, error)
	Cleanup(p *model.LaunchProject)
}

// noopLedger 不记录；重复投递的条目会被再次派发
type noopLedger struct{}

func (noopLedger) Begin(ctx context.Context, itemID, queueName string) (*ledger.Entry, error) {
	return &ledger.Entry{ItemID: itemID, Queue: queueName, Status: ledger.StatusPending, Attempts: 1}, nil
}

func (noopLedger) MarkDispatched(ctx context.Context, itemID, runID, backend, jobID string) error {
	return nil
}

func (noopLedger) MarkFailed(ctx context.Context, itemID, reason string) error { return nil }

type noopRegistry struct{}

func (noopRegistry) Register(ctx context.Context, rec model.AgentRecord) error { return nil }

func (noopRegistry) SetStatus(ctx context.Context, status model.AgentStatus, runningJobs int) error {
	return nil
}

func (noopRegistry) Deregister(ctx context.Context) error { return nil }

var (
	_ Ledger = (*ledger.Ledger)(nil)
	_ Ledger = noopLedger{}
)
