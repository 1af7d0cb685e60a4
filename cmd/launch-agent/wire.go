package main

import (
	"context"
	"fmt"
	"log"

	"launch-agent/internal/config"
	"launch-agent/internal/launch/agent"
	"launch-agent/internal/launch/builder"
	"launch-agent/internal/launch/resolver"
	"launch-agent/internal/launch/runner"
	dockerrunner "launch-agent/internal/launch/runner/docker"
	k8srunner "launch-agent/internal/launch/runner/kubernetes"
	"launch-agent/internal/launch/runner/local"
	smrunner "launch-agent/internal/launch/runner/sagemaker"
	"launch-agent/internal/shared/infra"
	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
	"launch-agent/internal/shared/queue"
	"launch-agent/internal/shared/queue/httpq"
	redisq "launch-agent/internal/shared/queue/redis"
	"launch-agent/internal/shared/storage/etcd"
	"launch-agent/internal/shared/storage/ledger"
	"launch-agent/pkg/docker"
)

// components 启动时构建的协作方
type components struct {
	*infra.Infrastructure
	resolver *resolver.Resolver
	runners  *runner.Registry
}

// deps 转成 Agent 依赖；未配置的可选组件保持 nil 接口
func (c *components) deps() agent.Deps {
	d := agent.Deps{
		Queue:    c.Queue,
		Resolver: c.resolver,
		Runners:  c.runners,
	}
	if c.Ledger != nil {
		d.Ledger = c.Ledger
	}
	if c.Registry != nil {
		d.Registry = c.Registry
	}
	if c.EventBus != nil {
		d.Events = c.EventBus
	}
	return d
}

// wire 构建队列、存储、解析器与后端
//
// 可选组件（MinIO、etcd、ledger、各后端）未配置或初始化失败时跳过，
// 队列不可用或没有任何可用后端时返回错误。
func wire(ctx context.Context, cfg *config.Config, agentID string, metrics *agent.Metrics) (*components, error) {
	c := &components{Infrastructure: &infra.Infrastructure{}}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if err := buildQueue(ctx, cfg, agentID, metrics, c.Infrastructure); err != nil {
		return nil, err
	}

	if cfg.MinIO.Endpoint != "" {
		mc, err := objstore.NewClient(objstore.Options{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
		})
		if err != nil {
			return nil, err
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.MinIO.Bucket, err)
		}
		c.Store = mc
		log.Printf("[launch-agent.objstore] endpoint=%s bucket=%s", cfg.MinIO.Endpoint, cfg.MinIO.Bucket)
	}

	if cfg.Ledger.DSN != "" {
		l, err := ledger.Open(cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
		c.Ledger = l
		c.OnClose(l.Close)
		log.Printf("[launch-agent.ledger] dsn=%s", cfg.Ledger.DSN)
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := etcd.NewRegistry(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
			LeaseTTL:    cfg.Etcd.LeaseTTL,
		})
		if err != nil {
			log.Printf("[launch-agent.registry] disabled error=%v", err)
		} else {
			c.Registry = reg
			c.OnClose(reg.Close)
		}
	}

	c.resolver = resolver.New(jobSource(cfg, c.Store), c.Store, nil, cfg.Agent.WorkDir)

	var err error
	c.runners, err = buildRunners(ctx, cfg, c.Infrastructure)
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

// buildQueue 构建队列，外层加重试；Redis 队列同时提供事件流
func buildQueue(ctx context.Context, cfg *config.Config, agentID string, metrics *agent.Metrics, inf *infra.Infrastructure) error {
	var inner queue.Queue
	switch cfg.Queue.Kind {
	case config.QueueKindHTTP:
		inner = httpq.New(cfg.Queue.URL, cfg.Queue.APIKey, nil)
		log.Printf("[launch-agent.queue] kind=http url=%s", cfg.Queue.URL)
	default:
		ri, err := infra.NewRedisInfra(ctx, cfg.RedisURL, redisq.Options{
			Consumer:     agentID,
			LeaseTimeout: cfg.Queue.LeaseTimeout,
			Block:        cfg.Queue.Block,
		})
		if err != nil {
			return err
		}
		inf.OnClose(ri.Close)
		inner = ri.Queue()
		inf.EventBus = ri.EventBus()
		log.Printf("[launch-agent.queue] kind=redis lease=%s", cfg.Queue.LeaseTimeout)
	}

	policy := queue.DefaultRetryPolicy()
	if cfg.Queue.RetryTimeout > 0 {
		policy.Timeout = cfg.Queue.RetryTimeout
	}
	policy.Notify = metrics.Notifier("queue")
	inf.Queue = queue.NewRetrying(inner, policy)
	return nil
}

// jobSource job 定义来源：本地目录优先，其次对象存储
func jobSource(cfg *config.Config, store objstore.Store) resolver.JobSource {
	switch {
	case cfg.Agent.JobsDir != "":
		return &resolver.DirJobSource{Dir: cfg.Agent.JobsDir}
	case store != nil:
		return &resolver.ObjectJobSource{Store: store, Prefix: cfg.Agent.JobsPrefix}
	default:
		return resolver.NewStaticJobSource()
	}
}

// connectDocker 连接本机 Docker 守护进程
func connectDocker(ctx context.Context) (*docker.Client, error) {
	dc, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := dc.Ping(ctx); err != nil {
		dc.Close()
		return nil, err
	}
	return dc, nil
}

// buildRunners 注册可用的后端
func buildRunners(ctx context.Context, cfg *config.Config, inf *infra.Infrastructure) (*runner.Registry, error) {
	reg := builder.RegistryConfig{
		Repository: cfg.Builder.Repository,
		Username:   cfg.Builder.Username,
		Password:   cfg.Builder.Password,
		Push:       cfg.Builder.Push,
	}

	// 容器后端和镜像构建共用一个 Docker 客户端
	var dc *docker.Client
	if cfg.Backends.Docker.Enabled || cfg.Builder.Enabled {
		c, err := connectDocker(ctx)
		if err != nil {
			log.Printf("[launch-agent.docker] unavailable error=%v", err)
		} else {
			inf.OnClose(c.Close)
			dc = c
		}
	}

	var b builder.Builder = builder.Passthrough{}
	if cfg.Builder.Enabled {
		if dc != nil {
			b = builder.NewDocker(dc)
			log.Printf("[launch-agent.builder] enabled %s", reg)
		} else {
			log.Printf("[launch-agent.builder] disabled reason=docker_unavailable")
		}
	}

	runners := runner.NewRegistry()

	if bc := cfg.Backends.Local; bc.Enabled {
		if err := runners.Register(local.New(bc.LogDir, bc.KillAfter)); err != nil {
			return nil, err
		}
	}

	if cfg.Backends.Docker.Enabled {
		if dc == nil {
			log.Printf("[launch-agent.backend] skipped=%s reason=docker_unavailable", runner.LocalContainer)
		} else if err := runners.Register(dockerrunner.New(dc, b, reg)); err != nil {
			return nil, err
		}
	}

	if kc := cfg.Backends.Kubernetes; kc.Enabled {
		cs, err := k8srunner.NewClientset(kc.Kubeconfig)
		if err != nil {
			log.Printf("[launch-agent.backend] skipped=%s error=%v", runner.Kubernetes, err)
		} else if err := runners.Register(k8srunner.New(cs, b, reg, kc.Namespace)); err != nil {
			return nil, err
		}
	}

	if sc := cfg.Backends.SageMaker; sc.Enabled {
		api, err := smrunner.NewAPI(ctx, sc.Region)
		if err != nil {
			log.Printf("[launch-agent.backend] skipped=%s error=%v", runner.ManagedTraining, err)
		} else if err := runners.Register(smrunner.New(api, inf.Store, b, reg, smrunner.Defaults{
			RoleARN:       sc.RoleARN,
			OutputPath:    sc.OutputPath,
			StagingBucket: sc.StagingBucket,
			InstanceType:  sc.InstanceType,
		})); err != nil {
			return nil, err
		}
	}

	if len(runners.Names()) == 0 {
		return nil, model.Configf("backends", "no backend could be initialized")
	}
	return runners, nil
}
