// Package local 本机进程后端
//
// 在项目目录中直接执行入口命令。进程独立于派发请求的 context，
// 并且运行在自己的进程组中：终端 Ctrl-C 只发给 Agent，Agent 退出时任务继续运行。
// Cancel 向整个进程组发信号，任务派生的子进程一并停止。
package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"launch-agent/internal/launch/runner"
	"launch-agent/internal/shared/model"
)

// Runner 本机进程后端
type Runner struct {
	// LogDir 每个运行的 stdout/stderr 写入 {LogDir}/{run_id}.log；为空时继承 Agent 的输出
	LogDir string
	// KillAfter Cancel 发送 SIGTERM 后多久强制 SIGKILL，0 表示不强制
	KillAfter time.Duration
}

// New 创建后端
func New(logDir string, killAfter time.Duration) *Runner {
	return &Runner{LogDir: logDir, KillAfter: killAfter}
}

// Name 实现 runner.Runner
func (r *Runner) Name() string { return runner.LocalProcess }

// Run 实现 runner.Runner
func (r *Runner) Run(ctx context.Context, p *model.LaunchProject) (runner.Run, error) {
	if len(p.EntryPoint) == 0 {
		return nil, model.Configf("entry_point", "local-process requires an entry point for %s", p.Identity())
	}

	cmd := exec.Command(p.EntryPoint[0], p.EntryPoint[1:]...)
	cmd.Dir = p.ProjectDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range p.RunEnv() {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var logFile *os.File
	if r.LogDir != "" {
		if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(filepath.Join(r.LogDir, p.RunID+".log"))
		if err != nil {
			return nil, fmt.Errorf("create run log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, model.DispatchErr(runner.LocalProcess, "start "+p.EntryPoint[0], err)
	}

	run := &Run{cmd: cmd, done: make(chan struct{}), killAfter: r.KillAfter}
	go run.wait(logFile)

	log.Printf("[runner.local.started] run_id=%s pid=%d cmd=%q", p.RunID, cmd.Process.Pid, p.EntryPoint)
	return run, nil
}

// Run 本机进程
type Run struct {
	cmd       *exec.Cmd
	done      chan struct{}
	killAfter time.Duration

	mu        sync.Mutex
	exitCode  int
	waitErr   error
	cancelled bool
}

func (r *Run) wait(logFile *os.File) {
	err := r.cmd.Wait()
	if logFile != nil {
		logFile.Close()
	}

	r.mu.Lock()
	r.waitErr = err
	r.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.exitCode = exitErr.ExitCode()
		} else {
			r.exitCode = -1
		}
	}
	r.mu.Unlock()
	close(r.done)
}

// ID 进程号
func (r *Run) ID() string { return strconv.Itoa(r.cmd.Process.Pid) }

// Status 实现 runner.Run
func (r *Run) Status(ctx context.Context) (model.RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		switch {
		case r.cancelled:
			return model.RunStateStopped, nil
		case r.exitCode == 0:
			return model.RunStateFinished, nil
		default:
			return model.RunStateFailed, nil
		}
	default:
	}
	if r.cancelled {
		return model.RunStateStopping, nil
	}
	return model.RunStateRunning, nil
}

// Cancel 发送 SIGTERM；进程退出前状态为 stopping
func (r *Run) Cancel(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}

	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()

	if err := r.signalGroup(syscall.SIGTERM); err != nil {
		return err
	}
	if r.killAfter > 0 {
		time.AfterFunc(r.killAfter, func() {
			select {
			case <-r.done:
			default:
				r.signalGroup(syscall.SIGKILL)
			}
		})
	}
	return nil
}

// signalGroup 向任务进程组发信号（pgid 等于 pid）
func (r *Run) signalGroup(sig syscall.Signal) error {
	pid := r.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", pid, err)
	}
	return nil
}

// Wait 等待进程退出
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode 退出码（未退出时为 0）
func (r *Run) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

var (
	_ runner.Runner = (*Runner)(nil)
	_ runner.Run    = (*Run)(nil)
)
