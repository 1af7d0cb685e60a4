// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 命令行参数（cmd/launch-agent 在 Load 之后覆盖）
//  2. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  3. YAML 配置文件（common.yaml → {env}.yaml）
//  4. 代码硬编码默认值
//
// 凭据只从环境变量读取（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/launch-agent/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// 队列类型
const (
	QueueKindRedis = "redis"
	QueueKindHTTP  = "http"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Agent    AgentConfig    `yaml:"agent"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
	Builder  BuilderConfig  `yaml:"builder"`
	Backends BackendsConfig `yaml:"backends"`
}

// AgentConfig 调度循环
type AgentConfig struct {
	ID      string   `yaml:"id"` // 为空时启动时生成
	Entity  string   `yaml:"entity"`
	Project string   `yaml:"project"`
	Queues  []string `yaml:"queues"`

	MaxJobs         int           `yaml:"max_jobs"` // 负数表示不限
	PollInterval    time.Duration `yaml:"poll_interval"`
	StatusInterval  time.Duration `yaml:"status_interval"`
	DefaultBackend  string        `yaml:"default_backend"`
	StopJobsOnExit  bool          `yaml:"stop_jobs_on_exit"`
	DispatchRetries int           `yaml:"dispatch_retries"`
	DispatchBackoff time.Duration `yaml:"dispatch_backoff"`

	WorkDir    string `yaml:"work_dir"`    // 源码检出目录
	JobsDir    string `yaml:"jobs_dir"`    // 本地 job 定义目录，为空时从对象存储读取
	JobsPrefix string `yaml:"jobs_prefix"` // 对象存储中 job 定义的前缀
}

// QueueConfig 工作队列
type QueueConfig struct {
	Kind         string        `yaml:"kind"` // redis | http
	URL          string        `yaml:"url"`  // http 控制面地址
	APIKey       string        `yaml:"-"`    // 只从 LAUNCH_API_KEY 环境变量读取
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	Block        time.Duration `yaml:"block"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL，优先于 host/port/db
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"` // 为空时不注册
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MinIOConfig 对象存储（artifact 下载、代码暂存）
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 为空时不启用
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// LedgerConfig 派发记录
type LedgerConfig struct {
	DSN string `yaml:"dsn"` // sqlite 文件路径，为空时不记录
}

type MetricsConfig struct {
	Listen    string `yaml:"listen"` // 为空时不启动 HTTP 服务
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// BuilderConfig 镜像构建与推送
type BuilderConfig struct {
	Enabled    bool   `yaml:"enabled"` // false 时只接受镜像来源
	Repository string `yaml:"repository"`
	Username   string `yaml:"username"`
	Password   string `yaml:"-"` // 只从 REGISTRY_PASSWORD 环境变量读取
	Push       bool   `yaml:"push"`
}

// BackendsConfig 执行后端
type BackendsConfig struct {
	Local      LocalBackendConfig      `yaml:"local"`
	Docker     DockerBackendConfig     `yaml:"docker"`
	Kubernetes KubernetesBackendConfig `yaml:"kubernetes"`
	SageMaker  SageMakerBackendConfig  `yaml:"sagemaker"`
}

type LocalBackendConfig struct {
	Enabled   bool          `yaml:"enabled"`
	LogDir    string        `yaml:"log_dir"`
	KillAfter time.Duration `yaml:"kill_after"`
}

type DockerBackendConfig struct {
	Enabled bool `yaml:"enabled"`
}

type KubernetesBackendConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"` // 为空时使用集群内配置
}

type SageMakerBackendConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Region        string `yaml:"region"`
	RoleARN       string `yaml:"role_arn"`
	OutputPath    string `yaml:"output_path"`
	StagingBucket string `yaml:"staging_bucket"`
	InstanceType  string `yaml:"instance_type"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env      Environment
	RedisURL string

	Agent    AgentConfig
	Queue    QueueConfig
	Redis    RedisConfig
	Etcd     EtcdConfig
	MinIO    MinIOConfig
	Ledger   LedgerConfig
	Metrics  MetricsConfig
	Log      LogConfig
	Builder  BuilderConfig
	Backends BackendsConfig

	ConfigFilePath string // 实际加载的配置文件路径
}
