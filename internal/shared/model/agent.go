package model

import "time"

// ============================================================================
// AgentState - Agent 调度循环状态
// ============================================================================

// AgentState 调度循环状态
type AgentState string

const (
	AgentStateInitializing AgentState = "INITIALIZING"
	AgentStatePolling      AgentState = "POLLING"
	AgentStateDispatching  AgentState = "DISPATCHING"
	AgentStateShuttingDown AgentState = "SHUTTING_DOWN"
)

// ============================================================================
// AgentRecord - 注册中心中的 Agent 记录
// ============================================================================

// AgentStatus 对外上报的 Agent 状态
type AgentStatus string

const (
	// AgentStatusPolling 空闲，正在轮询
	AgentStatusPolling AgentStatus = "POLLING"
	// AgentStatusRunning 至少有一个任务在运行
	AgentStatusRunning AgentStatus = "RUNNING"
	// AgentStatusKilled 已退出
	AgentStatusKilled AgentStatus = "KILLED"
)

// AgentRecord 注册记录（带租约，Agent 异常退出后自动过期）
type AgentRecord struct {
	ID          string      `json:"id"`
	Hostname    string      `json:"hostname"`
	Entity      string      `json:"entity"`
	Project     string      `json:"project"`
	Queues      []string    `json:"queues"`
	MaxJobs     int         `json:"max_jobs"`
	Status      AgentStatus `json:"status"`
	RunningJobs int         `json:"running_jobs"`
	StartedAt   time.Time   `json:"started_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
