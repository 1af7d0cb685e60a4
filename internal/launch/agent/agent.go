// Package agent 启动 Agent 调度循环
//
// 单 goroutine 循环：检查终态任务 → 有空位时按顺序从队列弹出 → 解析并派发 → 确认。
// 任务在后端中独立运行，Agent 只通过 Run 句柄跟踪状态。
//
// 状态：INITIALIZING → POLLING ⇄ DISPATCHING → SHUTTING_DOWN
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"launch-agent/internal/launch/runner"
	"launch-agent/internal/retry"
	"launch-agent/internal/shared/eventbus"
	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/queue"
	"launch-agent/internal/shared/storage/ledger"
	"launch-agent/pkg/logging"
)

// Config Agent 配置
type Config struct {
	ID      string
	Entity  string
	Project string
	Queues  []string

	// MaxJobs 同时跟踪的任务上限，负数表示不限
	MaxJobs int

	PollInterval time.Duration
	// StatusInterval 空闲状态行的最小输出间隔
	StatusInterval time.Duration

	// DefaultBackend run spec 未指定 resource 时使用的后端
	DefaultBackend string

	// DispatchRetries 派发遇到暂时性错误时的重试次数
	DispatchRetries int
	DispatchBackoff time.Duration

	// StopJobsOnExit 退出时取消仍在运行的任务
	StopJobsOnExit bool
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.DefaultBackend == "" {
		c.DefaultBackend = runner.LocalContainer
	}
	if c.DispatchRetries < 0 {
		c.DispatchRetries = 0
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = 2 * time.Second
	}
}

// Deps Agent 协作方
type Deps struct {
	Queue    queue.Queue
	Resolver Resolver
	Runners  *runner.Registry

	// 以下可选
	Ledger   Ledger
	Registry Registry
	Events   eventbus.Publisher
	Metrics  *Metrics
	Logger   *logging.Logger
	Clock    retry.Clock
	// Out 状态表输出位置，默认 stdout
	Out io.Writer
}

// Agent 启动 Agent
type Agent struct {
	cfg      Config
	queue    queue.Queue
	resolver Resolver
	runners  *runner.Registry
	ledger   Ledger
	registry Registry
	events   eventbus.Publisher
	metrics  *Metrics
	logger   *logging.Logger
	clock    retry.Clock
	out      io.Writer

	jobs *JobTable

	mu         sync.Mutex
	state      model.AgentState
	lastStatus time.Time
	reported   model.AgentStatus
}

// New 创建 Agent
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Queue == nil || deps.Resolver == nil || deps.Runners == nil {
		return nil, errors.New("agent requires a queue, a resolver and runners")
	}
	if len(cfg.Queues) == 0 {
		return nil, model.Configf("queues", "at least one queue is required")
	}
	if cfg.Entity == "" || cfg.Project == "" {
		return nil, model.Configf("entity", "entity and project are required")
	}
	cfg.applyDefaults()

	a := &Agent{
		cfg:      cfg,
		queue:    deps.Queue,
		resolver: deps.Resolver,
		runners:  deps.Runners,
		ledger:   deps.Ledger,
		registry: deps.Registry,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		out:      deps.Out,
		jobs:     NewJobTable(),
		state:    model.AgentStateInitializing,
	}
	if a.ledger == nil {
		a.ledger = noopLedger{}
	}
	if a.registry == nil {
		a.registry = noopRegistry{}
	}
	if a.events == nil {
		a.events = eventbus.NewNoOpEventBus()
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil, "launch_agent", cfg.ID)
	}
	if a.logger == nil {
		a.logger = logging.Default("agent")
	}
	if a.clock == nil {
		a.clock = retry.RealClock{}
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	return a, nil
}

// State 当前调度状态
func (a *Agent) State() model.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s model.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// Jobs 运行中任务表
func (a *Agent) Jobs() *JobTable { return a.jobs }

// Run 运行调度循环，直到 ctx 取消
//
// 配置的队列不存在时返回 NotFoundError；正常退出返回 nil。
func (a *Agent) Run(ctx context.Context) error {
	a.setState(model.AgentStateInitializing)
	log.Printf("[agent.starting] id=%s entity=%s project=%s queues=%v max_jobs=%d backends=%v",
		a.cfg.ID, a.cfg.Entity, a.cfg.Project, a.cfg.Queues, a.cfg.MaxJobs, a.runners.Names())

	if err := a.checkQueues(ctx); err != nil {
		if ctx.Err() != nil {
			return a.shutdown()
		}
		return err
	}

	host, _ := os.Hostname()
	now := a.clock.Now()
	if err := a.registry.Register(ctx, model.AgentRecord{
		ID:        a.cfg.ID,
		Hostname:  host,
		Entity:    a.cfg.Entity,
		Project:   a.cfg.Project,
		Queues:    a.cfg.Queues,
		MaxJobs:   a.cfg.MaxJobs,
		Status:    model.AgentStatusPolling,
		StartedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Printf("[agent.register_failed] id=%s error=%v", a.cfg.ID, err)
	}
	a.reported = model.AgentStatusPolling

	a.setState(model.AgentStatePolling)
	for {
		if ctx.Err() != nil {
			return a.shutdown()
		}
		popped := a.tick(ctx)
		if popped {
			continue
		}
		a.printStatus()
		if err := a.clock.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return a.shutdown()
		}
	}
}

// checkQueues 所有配置的队列必须存在
func (a *Agent) checkQueues(ctx context.Context) error {
	names, err := a.queue.ListQueues(ctx, a.cfg.Entity, a.cfg.Project)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[n] = true
	}
	for _, q := range a.cfg.Queues {
		if !existing[q] {
			return &model.NotFoundError{Kind: "queue", Name: a.cfg.Entity + "/" + a.cfg.Project + "/" + q}
		}
	}
	return nil
}

// tick 一轮调度，返回是否弹出了条目
func (a *Agent) tick(ctx context.Context) bool {
	a.metrics.PollsTotal.Inc()
	a.sweep(ctx)

	if !a.hasCapacity() {
		return false
	}
	item := a.pop(ctx)
	if item == nil {
		return false
	}

	a.setState(model.AgentStateDispatching)
	a.handle(ctx, item)
	a.setState(model.AgentStatePolling)
	return true
}

func (a *Agent) hasCapacity() bool {
	return a.cfg.MaxJobs < 0 || a.jobs.Len() < a.cfg.MaxJobs
}

// pop 按配置顺序尝试各队列，第一个非空的胜出
func (a *Agent) pop(ctx context.Context) *model.QueueItem {
	for _, name := range a.cfg.Queues {
		start := a.clock.Now()
		item, err := a.queue.Pop(ctx, name, a.cfg.Entity, a.cfg.Project)
		a.logger.QueueOpLog("pop", name, a.clock.Now().Sub(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.metrics.RecordPop(name, "error")
			log.Printf("[agent.pop_failed] queue=%s error=%v", name, err)
			continue
		}
		if item == nil {
			a.metrics.RecordPop(name, "empty")
			continue
		}
		if item.Queue == "" {
			item.Queue = name
		}
		a.metrics.RecordPop(name, "item")
		return item
	}
	return nil
}

// handle 处理一个弹出的条目：查账 → 派发 → 记录 → 确认
func (a *Agent) handle(ctx context.Context, item *model.QueueItem) {
	start := a.clock.Now()
	jl := a.logger.WithItemID(item.ID)
	jl.JobLog("popped", slog.String("queue", item.Queue))

	if a.jobs.Has(item.ID) {
		// 租约过期后重新投递的在跟踪条目
		log.Printf("[agent.duplicate] item=%s already tracked", item.ID)
		a.ack(ctx, item)
		return
	}

	entry, err := a.ledger.Begin(ctx, item.ID, item.Queue)
	if err != nil {
		log.Printf("[agent.ledger_failed] item=%s error=%v", item.ID, err)
	} else if entry.Status == ledger.StatusDispatched {
		log.Printf("[agent.duplicate] item=%s run_id=%s backend=%s already dispatched", item.ID, entry.RunID, entry.Backend)
		a.ack(ctx, item)
		return
	}

	project, backend, run, err := a.dispatch(ctx, item)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// 退出时中断的派发不确认，租约过期后由其他 Agent 接手
			log.Printf("[agent.dispatch_interrupted] item=%s", item.ID)
			return
		}
		a.metrics.RecordDispatch(backend, 0, err)
		a.failItem(ctx, item, err)
		return
	}

	a.metrics.RecordDispatch(backend, a.clock.Now().Sub(start), nil)
	if err := a.jobs.Add(&TrackedJob{
		ItemID:    item.ID,
		Queue:     item.Queue,
		RunID:     project.RunID,
		Backend:   backend,
		Run:       run,
		Project:   project,
		StartedAt: a.clock.Now(),
		State:     model.RunStateQueued,
	}); err != nil {
		log.Printf("[agent.track_failed] item=%s error=%v", item.ID, err)
	}
	if err := a.ledger.MarkDispatched(ctx, item.ID, project.RunID, backend, run.ID()); err != nil {
		log.Printf("[agent.ledger_failed] item=%s error=%v", item.ID, err)
	}
	jl.WithRunID(project.RunID).JobLog("dispatched",
		slog.String("backend", backend), slog.String("job_id", run.ID()), slog.String("project", project.Identity()))
	a.publish(ctx, &eventbus.JobEvent{
		Type: eventbus.EventDispatched, ItemID: item.ID, Queue: item.Queue,
		RunID: project.RunID, Backend: backend, JobID: run.ID(), State: model.RunStateQueued,
	})
	a.ack(ctx, item)
	a.reportStatus(ctx)
}

// dispatch 解析并提交到后端；暂时性错误按 DispatchRetries 重试
func (a *Agent) dispatch(ctx context.Context, item *model.QueueItem) (*model.LaunchProject, string, runner.Run, error) {
	spec := item.RunSpec
	if spec.Entity == "" {
		spec.Entity = a.cfg.Entity
	}
	if spec.Project == "" {
		spec.Project = a.cfg.Project
	}
	// 解析前的后端只用于失败指标；job 默认的 resource 在解析时才确定
	backend := spec.Resource
	if backend == "" {
		backend = a.cfg.DefaultBackend
	}

	var (
		project *model.LaunchProject
		run     runner.Run
	)
	r := &retry.Retrier{
		Name:         "dispatch " + item.ID,
		NumRetries:   a.cfg.DispatchRetries,
		InitialSleep: a.cfg.DispatchBackoff,
		MaxSleep:     30 * time.Second,
		Classify:     classifyDispatch,
		Clock:        a.clock,
		Notify:       a.metrics.Notifier("dispatch"),
	}
	err := r.Call(ctx, func(ctx context.Context) error {
		p, err := a.resolver.Resolve(ctx, spec, model.Overrides{})
		if err != nil {
			return err
		}
		if p.Resource == "" {
			p.Resource = a.cfg.DefaultBackend
		}
		backend = p.Resource
		rn, err := a.runners.Get(backend)
		if err != nil {
			a.resolver.Cleanup(p)
			return err
		}
		p.QueueItemID = item.ID
		p.Queue = item.Queue

		h, err := rn.Run(ctx, p)
		if err != nil {
			a.resolver.Cleanup(p)
			return err
		}
		project, run = p, h
		return nil
	})
	return project, backend, run, err
}

// classifyDispatch 只有暂时性错误值得重试；其余错误只影响当前任务
func classifyDispatch(err error) retry.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.FatalFailure
	}
	if errors.Is(err, model.ErrTransient) {
		return retry.RetryableFailure
	}
	return retry.FatalFailure
}

// failItem 记录失败并 Fail 条目（Fail 同样结束租约）
func (a *Agent) failItem(ctx context.Context, item *model.QueueItem, err error) {
	resource := resourceOf(err)
	a.logger.WithItemID(item.ID).WithError(err).JobErrorLog("dispatch", slog.String("resource", resource))
	log.Printf("[agent.dispatch_failed] item=%s resource=%s error=%v", item.ID, resource, err)

	if lerr := a.ledger.MarkFailed(ctx, item.ID, err.Error()); lerr != nil {
		log.Printf("[agent.ledger_failed] item=%s error=%v", item.ID, lerr)
	}
	a.publish(ctx, &eventbus.JobEvent{
		Type: eventbus.EventDispatchFailed, ItemID: item.ID, Queue: item.Queue, Reason: err.Error(),
	})
	ferr := a.queue.Fail(ctx, item.ID, err.Error())
	a.metrics.RecordAck("fail", ferr)
	if ferr != nil {
		log.Printf("[agent.fail_failed] item=%s error=%v", item.ID, ferr)
	}
}

func (a *Agent) ack(ctx context.Context, item *model.QueueItem) {
	err := a.queue.Ack(ctx, item.ID)
	a.metrics.RecordAck("ack", err)
	if err != nil {
		// 条目会在租约过期后重新投递，由账本去重
		log.Printf("[agent.ack_failed] item=%s error=%v", item.ID, err)
	}
}

// resourceOf 从错误中取出出问题的资源名
func resourceOf(err error) string {
	var (
		ce *model.ConfigurationError
		nf *model.NotFoundError
		de *model.BackendDispatchError
		te *model.TransientError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Resource
	case errors.As(err, &nf):
		return nf.Kind + ":" + nf.Name
	case errors.As(err, &de):
		return "backend:" + de.Backend
	case errors.As(err, &te):
		return te.Op
	}
	return "unknown"
}

// sweep 查询所有任务状态，移除已到终态的
func (a *Agent) sweep(ctx context.Context) {
	removed := false
	for _, job := range a.jobs.Snapshot() {
		st, err := job.Run.Status(ctx)
		if err != nil {
			log.Printf("[agent.status_failed] item=%s job=%s error=%v", job.ItemID, job.Run.ID(), err)
			a.logger.WithItemID(job.ItemID).WithRunID(job.RunID).WithError(err).
				JobErrorLog("status", slog.String("backend", job.Backend), slog.String("job_id", job.Run.ID()))
			continue
		}
		if st != job.State {
			a.jobs.setState(job.ItemID, st)
			if !st.IsTerminal() {
				a.publish(ctx, jobEvent(eventbus.EventStateChanged, job, st))
			}
		}
		if !st.IsTerminal() {
			continue
		}

		a.jobs.Remove(job.ItemID)
		removed = true
		duration := a.clock.Now().Sub(job.StartedAt)
		a.metrics.RecordJobComplete(job.Backend, string(st), duration)
		a.logger.WithItemID(job.ItemID).WithRunID(job.RunID).WithDuration(duration).JobLog("finished",
			slog.String("backend", job.Backend), slog.String("state", string(st)))
		a.publish(ctx, jobEvent(eventbus.EventFinished, job, st))
		if job.Project != nil {
			a.resolver.Cleanup(job.Project)
		}
	}
	if removed {
		a.reportStatus(ctx)
	}
}

func jobEvent(typ eventbus.EventType, job TrackedJob, st model.RunState) *eventbus.JobEvent {
	return &eventbus.JobEvent{
		Type: typ, ItemID: job.ItemID, Queue: job.Queue,
		RunID: job.RunID, Backend: job.Backend, JobID: job.Run.ID(), State: st,
	}
}

// publish 发布任务事件；失败只记录日志
func (a *Agent) publish(ctx context.Context, ev *eventbus.JobEvent) {
	ev.AgentID = a.cfg.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.clock.Now()
	}
	if err := a.events.Publish(ctx, a.cfg.Entity, a.cfg.Project, ev); err != nil {
		log.Printf("[agent.publish_failed] item=%s type=%s error=%v", ev.ItemID, ev.Type, err)
	}
}

// reportStatus 任务数变化时更新注册中心
func (a *Agent) reportStatus(ctx context.Context) {
	n := a.jobs.Len()
	status := model.AgentStatusPolling
	if n > 0 {
		status = model.AgentStatusRunning
	}
	if err := a.registry.SetStatus(ctx, status, n); err != nil {
		log.Printf("[agent.status_report_failed] status=%s error=%v", status, err)
		return
	}
	if status != a.reported {
		log.Printf("[agent.status_changed] %s -> %s jobs=%d", a.reported, status, n)
		a.reported = status
	}
}

// printStatus 空闲时的状态行，按 StatusInterval 节流
func (a *Agent) printStatus() {
	now := a.clock.Now()
	a.mu.Lock()
	due := a.lastStatus.IsZero() || now.Sub(a.lastStatus) >= a.cfg.StatusInterval
	if due {
		a.lastStatus = now
	}
	a.mu.Unlock()
	if !due {
		return
	}

	limit := "unbounded"
	if a.cfg.MaxJobs >= 0 {
		limit = fmt.Sprint(a.cfg.MaxJobs)
	}
	log.Printf("[agent.status] state=%s jobs=%d/%s queues=%v", a.State(), a.jobs.Len(), limit, a.cfg.Queues)
}

// shutdown 输出任务表；默认保留运行中的任务
func (a *Agent) shutdown() error {
	a.setState(model.AgentStateShuttingDown)
	log.Printf("[agent.shutting_down] jobs=%d stop_jobs=%v", a.jobs.Len(), a.cfg.StopJobsOnExit)
	a.jobs.Print(a.out, a.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.cfg.StopJobsOnExit {
		for _, job := range a.jobs.Snapshot() {
			if err := job.Run.Cancel(ctx); err != nil {
				log.Printf("[agent.cancel_failed] item=%s job=%s error=%v", job.ItemID, job.Run.ID(), err)
				a.logger.WithItemID(job.ItemID).WithRunID(job.RunID).WithError(err).JobErrorLog("cancel")
				continue
			}
			a.logger.WithItemID(job.ItemID).WithRunID(job.RunID).JobLog("cancelled", slog.String("backend", job.Backend))
		}
	}

	if err := a.registry.Deregister(ctx); err != nil {
		log.Printf("[agent.deregister_failed] id=%s error=%v", a.cfg.ID, err)
	}
	log.Printf("[agent.stopped] id=%s", a.cfg.ID)
	return nil
}
