package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"launch-agent/internal/config"
	"launch-agent/internal/launch/agent"
	"launch-agent/internal/retry"
	"launch-agent/pkg/logging"
)

// agentFlags agent 子命令参数
type agentFlags struct {
	configDir      string
	entity         string
	project        string
	queues         stringList
	maxJobs        int
	defaultBackend string
	stopJobs       bool
	metricsListen  string
	logLevel       string
}

func newAgentFlagSet(f *agentFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&f.configDir, "config", "", "配置文件目录（或 YAML 文件路径）")
	fs.StringVar(&f.entity, "entity", "", "entity")
	fs.StringVar(&f.project, "project", "", "project")
	fs.Var(&f.queues, "queue", "要轮询的队列，可重复；按给出顺序轮询")
	fs.IntVar(&f.maxJobs, "max-jobs", 1, "同时运行的任务上限，-1 表示不限")
	fs.StringVar(&f.defaultBackend, "default-backend", "", "run spec 未指定 resource 时使用的后端")
	fs.BoolVar(&f.stopJobs, "stop-jobs-on-exit", false, "退出时取消仍在运行的任务")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "Prometheus 指标监听地址，如 :9102")
	fs.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error")
	return fs
}

// applyAgentFlags 命令行参数覆盖配置（参数 > 环境变量 > yaml > 默认值）
func applyAgentFlags(cfg *config.Config, f *agentFlags, set map[string]bool) error {
	if set["entity"] {
		cfg.Agent.Entity = f.entity
	}
	if set["project"] {
		cfg.Agent.Project = f.project
	}
	if len(f.queues) > 0 {
		cfg.Agent.Queues = append([]string(nil), f.queues...)
	}
	if set["max-jobs"] {
		cfg.Agent.MaxJobs = f.maxJobs
	}
	if set["default-backend"] {
		cfg.Agent.DefaultBackend = f.defaultBackend
	}
	if set["stop-jobs-on-exit"] {
		cfg.Agent.StopJobsOnExit = f.stopJobs
	}
	if set["metrics-listen"] {
		cfg.Metrics.Listen = f.metricsListen
	}
	if set["log-level"] {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return requireScope(cfg.Agent.Entity, cfg.Agent.Project, cfg.Agent.Queues)
}

func runAgent(ctx context.Context, args []string) error {
	var f agentFlags
	fs := newAgentFlagSet(&f)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := loadConfig(f.configDir)
	if err != nil {
		return err
	}
	if err := applyAgentFlags(cfg, &f, visited(fs)); err != nil {
		return err
	}
	log.Printf("[launch-agent.config] %s from=%q", cfg, cfg.ConfigFilePath)

	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = "agent-" + uuid.NewString()[:8]
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "launch-agent",
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := agent.NewMetrics(promReg, cfg.Metrics.Namespace, agentID)

	c, err := wire(ctx, cfg, agentID, metrics)
	if err != nil {
		return err
	}
	defer c.Close()

	deps := c.deps()
	deps.Metrics = metrics
	deps.Logger = logger
	deps.Clock = retry.RealClock{}

	a, err := agent.New(agent.Config{
		ID:              agentID,
		Entity:          cfg.Agent.Entity,
		Project:         cfg.Agent.Project,
		Queues:          cfg.Agent.Queues,
		MaxJobs:         cfg.Agent.MaxJobs,
		PollInterval:    cfg.Agent.PollInterval,
		StatusInterval:  cfg.Agent.StatusInterval,
		DefaultBackend:  cfg.Agent.DefaultBackend,
		DispatchRetries: cfg.Agent.DispatchRetries,
		DispatchBackoff: cfg.Agent.DispatchBackoff,
		StopJobsOnExit:  cfg.Agent.StopJobsOnExit,
	}, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", agent.MetricsHandler(promReg))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Printf("[metrics.listening] addr=%s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
