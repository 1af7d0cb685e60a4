package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"launch-agent/internal/shared/model"
)

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 common.yaml、{env}.yaml
// 3. 环境变量覆盖
// 4. 校验并填充默认值
func Load() (*Config, error) {
	loadEnvFiles()

	env := parseEnv(getEnv("APP_ENV", "dev"))

	yamlCfg, loadedFrom, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:            env,
		Agent:          yamlCfg.Agent,
		Queue:          yamlCfg.Queue,
		Redis:          yamlCfg.Redis,
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		Ledger:         yamlCfg.Ledger,
		Metrics:        yamlCfg.Metrics,
		Log:            yamlCfg.Log,
		Builder:        yamlCfg.Builder,
		Backends:       yamlCfg.Backends,
		ConfigFilePath: loadedFrom,
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.RedisURL = buildRedisURL(cfg.Redis)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults 代码默认值
func defaults() *YAMLConfig {
	return &YAMLConfig{
		Agent: AgentConfig{
			MaxJobs:         1,
			PollInterval:    5 * time.Second,
			StatusInterval:  30 * time.Second,
			DefaultBackend:  "local-container",
			DispatchRetries: 3,
			DispatchBackoff: 2 * time.Second,
			JobsPrefix:      "jobs/",
		},
		Queue: QueueConfig{
			Kind:         QueueKindRedis,
			LeaseTimeout: 10 * time.Minute,
			RetryTimeout: 5 * time.Minute,
		},
		Redis:   RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:    EtcdConfig{Prefix: "/launch", LeaseTTL: 30, DialTimeout: 5 * time.Second},
		MinIO:   MinIOConfig{Bucket: "launch"},
		Metrics: MetricsConfig{Namespace: "launch_agent"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Backends: BackendsConfig{
			Local:      LocalBackendConfig{Enabled: true, KillAfter: 30 * time.Second},
			Docker:     DockerBackendConfig{Enabled: true},
			Kubernetes: KubernetesBackendConfig{Namespace: "default"},
			SageMaker:  SageMakerBackendConfig{InstanceType: "ml.m5.xlarge"},
		},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, string, error) {
	cfg := defaults()
	loadedFrom := ""

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths() {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, "", model.Configf("config:"+path, "invalid yaml: %v", err)
			}
			loadedFrom = path
			break
		}
	}
	return cfg, loadedFrom, nil
}

// applyEnv 环境变量覆盖 YAML
func (c *Config) applyEnv() error {
	c.Agent.ID = getEnv("LAUNCH_AGENT_ID", c.Agent.ID)
	c.Agent.Entity = getEnv("LAUNCH_ENTITY", c.Agent.Entity)
	c.Agent.Project = getEnv("LAUNCH_PROJECT", c.Agent.Project)
	if v := os.Getenv("LAUNCH_QUEUES"); v != "" {
		c.Agent.Queues = splitList(v)
	}
	c.Agent.DefaultBackend = getEnv("LAUNCH_DEFAULT_BACKEND", c.Agent.DefaultBackend)
	c.Agent.WorkDir = getEnv("LAUNCH_WORK_DIR", c.Agent.WorkDir)
	c.Agent.JobsDir = getEnv("LAUNCH_JOBS_DIR", c.Agent.JobsDir)

	var err error
	if c.Agent.MaxJobs, err = envInt("LAUNCH_MAX_JOBS", c.Agent.MaxJobs); err != nil {
		return err
	}
	if c.Agent.PollInterval, err = envDuration("LAUNCH_POLL_INTERVAL", c.Agent.PollInterval); err != nil {
		return err
	}
	if c.Agent.StopJobsOnExit, err = envBool("LAUNCH_STOP_JOBS_ON_EXIT", c.Agent.StopJobsOnExit); err != nil {
		return err
	}

	c.Queue.Kind = getEnv("QUEUE_KIND", c.Queue.Kind)
	c.Queue.URL = getEnv("QUEUE_URL", c.Queue.URL)
	c.Queue.APIKey = firstEnv("LAUNCH_API_KEY", "WANDB_API_KEY")

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}

	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	c.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")

	c.Ledger.DSN = getEnv("LEDGER_DSN", c.Ledger.DSN)
	c.Metrics.Listen = getEnv("METRICS_LISTEN", c.Metrics.Listen)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Builder.Password = os.Getenv("REGISTRY_PASSWORD")

	c.Backends.Kubernetes.Kubeconfig = getEnv("KUBECONFIG", c.Backends.Kubernetes.Kubeconfig)
	if region := firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"); region != "" {
		c.Backends.SageMaker.Region = region
	}
	c.Backends.SageMaker.RoleARN = getEnv("SAGEMAKER_ROLE_ARN", c.Backends.SageMaker.RoleARN)
	return nil
}

// Validate 校验并填充默认值；命令行参数覆盖后应再次调用
func (c *Config) Validate() error {
	c.Queue.Kind = strings.ToLower(c.Queue.Kind)
	switch c.Queue.Kind {
	case "":
		c.Queue.Kind = QueueKindRedis
	case QueueKindRedis, QueueKindHTTP:
	default:
		return model.Configf("queue.kind", "unknown queue kind %q (want redis or http)", c.Queue.Kind)
	}
	if c.Queue.Kind == QueueKindHTTP && c.Queue.URL == "" {
		return model.Configf("queue.url", "queue.url is required for the http queue")
	}
	if c.RedisURL == "" {
		c.RedisURL = buildRedisURL(c.Redis)
	}

	if c.Agent.PollInterval <= 0 {
		c.Agent.PollInterval = 5 * time.Second
	}
	if c.Agent.StatusInterval <= 0 {
		c.Agent.StatusInterval = 30 * time.Second
	}
	if c.Agent.DispatchRetries < 0 {
		c.Agent.DispatchRetries = 0
	}
	if c.Agent.JobsPrefix == "" {
		c.Agent.JobsPrefix = "jobs/"
	}
	if c.Agent.MaxJobs == 0 {
		return model.Configf("agent.max_jobs", "max_jobs must be positive, or negative for unbounded")
	}
	if c.Queue.LeaseTimeout <= 0 {
		c.Queue.LeaseTimeout = 10 * time.Minute
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/launch"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "launch"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "launch_agent"
	}
	if c.Backends.Kubernetes.Namespace == "" {
		c.Backends.Kubernetes.Namespace = "default"
	}
	return nil
}
