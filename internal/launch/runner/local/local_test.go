package local

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/shared/model"
)

func requireShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func runShell(t *testing.T, r *Runner, script string) *Run {
	t.Helper()
	p := &model.LaunchProject{
		RunID:      "run-" + t.Name(),
		Source:     model.SourceImage,
		EntryPoint: []string{"sh", "-c", script},
		ProjectDir: t.TempDir(),
		Entity:     "ent",
		Project:    "proj",
	}
	run, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	return run.(*Run)
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
}

func TestLocal_ExitZeroFinishes(t *testing.T) {
	requireShell(t)
	logDir := t.TempDir()
	run := runShell(t, New(logDir, 0), `echo "run=$LAUNCH_RUN_ID project=$LAUNCH_PROJECT"`)
	waitRun(t, run)

	st, err := run.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, st)

	data, err := os.ReadFile(filepath.Join(logDir, "run-TestLocal_ExitZeroFinishes.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "project=proj")
}

func TestLocal_NonZeroFails(t *testing.T) {
	requireShell(t)
	run := runShell(t, New(t.TempDir(), 0), "exit 3")
	waitRun(t, run)

	st, _ := run.Status(context.Background())
	assert.Equal(t, model.RunStateFailed, st)
	assert.Equal(t, 3, run.ExitCode())
}

func TestLocal_CancelStops(t *testing.T) {
	requireShell(t)
	run := runShell(t, New(t.TempDir(), 5*time.Second), "sleep 30")

	st, _ := run.Status(context.Background())
	assert.Equal(t, model.RunStateRunning, st)

	require.NoError(t, run.Cancel(context.Background()))
	st, _ = run.Status(context.Background())
	assert.Contains(t, []model.RunState{model.RunStateStopping, model.RunStateStopped}, st)

	waitRun(t, run)
	st, _ = run.Status(context.Background())
	assert.Equal(t, model.RunStateStopped, st)

	// 已退出后再次 Cancel 无副作用
	assert.NoError(t, run.Cancel(context.Background()))
}

func TestLocal_OwnProcessGroup(t *testing.T) {
	requireShell(t)
	run := runShell(t, New(t.TempDir(), 5*time.Second), "sleep 30")
	t.Cleanup(func() {
		run.Cancel(context.Background())
		waitRun(t, run)
	})

	pid := run.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	// 终端发给 Agent 进程组的 SIGINT 不会到达任务
	assert.NotEqual(t, syscall.Getpgrp(), pgid)
	assert.Equal(t, pid, pgid)
}

func TestLocal_CancelStopsProcessGroup(t *testing.T) {
	requireShell(t)
	// sh 捕获 SIGTERM 后继续等待前台的 sleep；只有 sleep 也收到信号，任务才会在 30s 内结束
	run := runShell(t, New(t.TempDir(), 0), "trap 'echo term' TERM; sleep 30; exit 0")

	require.NoError(t, run.Cancel(context.Background()))
	waitRun(t, run)

	st, _ := run.Status(context.Background())
	assert.Equal(t, model.RunStateStopped, st)
}

func TestLocal_MissingBinaryIsDispatchError(t *testing.T) {
	_, err := New("", 0).Run(context.Background(), &model.LaunchProject{
		RunID:      "r",
		EntryPoint: []string{"definitely-not-a-real-binary-xyz"},
	})
	assert.True(t, errors.Is(err, model.ErrDispatch))
}

func TestLocal_EmptyEntryPoint(t *testing.T) {
	_, err := New("", 0).Run(context.Background(), &model.LaunchProject{RunID: "r", DockerImage: "x", Source: model.SourceImage})
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}
