package agent

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"launch-agent/internal/launch/runner"
	"launch-agent/internal/shared/model"
)

// TrackedJob 已派发、尚未到达终态的任务
type TrackedJob struct {
	ItemID    string
	Queue     string
	RunID     string
	Backend   string
	Run       runner.Run
	Project   *model.LaunchProject
	StartedAt time.Time
	State     model.RunState
}

// JobTable 运行中任务表，键为队列条目 ID
//
// 只由调度循环修改；锁保护状态上报与指标读取时的快照。
type JobTable struct {
	mu   sync.Mutex
	jobs map[string]*TrackedJob
}

// NewJobTable 创建任务表
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string]*TrackedJob)}
}

// Add 加入任务；键已存在时返回错误
func (t *JobTable) Add(job *TrackedJob) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[job.ItemID]; exists {
		return fmt.Errorf("job %s already tracked", job.ItemID)
	}
	t.jobs[job.ItemID] = job
	return nil
}

// Remove 移除任务
func (t *JobTable) Remove(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, itemID)
}

// Has 是否在跟踪
func (t *JobTable) Has(itemID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.jobs[itemID]
	return ok
}

// Len 任务数
func (t *JobTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Snapshot 按开始时间排序的副本
func (t *JobTable) Snapshot() []TrackedJob {
	t.mu.Lock()
	out := make([]TrackedJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// setState 更新最近观察到的状态
func (t *JobTable) setState(itemID string, s model.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[itemID]; ok {
		j.State = s
	}
}

// Print 输出任务表
func (t *JobTable) Print(w io.Writer, now time.Time) {
	jobs := t.Snapshot()
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no running jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tQUEUE\tRUN\tBACKEND\tID\tSTATE\tAGE")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ItemID, j.Queue, j.RunID, j.Backend, j.Run.ID(), j.State, now.Sub(j.StartedAt).Truncate(time.Second))
	}
	tw.Flush()
}
