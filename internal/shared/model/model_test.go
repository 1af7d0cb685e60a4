package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_IsTerminal(t *testing.T) {
	terminal := []RunState{RunStateFinished, RunStateFailed, RunStateStopped}
	nonTerminal := []RunState{RunStateQueued, RunStateRunning, RunStateStopping, RunStateUnknown}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunStateQueued, RunStateRunning, true},
		{RunStateRunning, RunStateFinished, true},
		{RunStateRunning, RunStateQueued, false},
		{RunStateRunning, RunStateStopping, true},
		{RunStateStopping, RunStateStopped, true},
		{RunStateStopping, RunStateFinished, false},
		{RunStateFinished, RunStateRunning, false},
		{RunStateFailed, RunStateUnknown, false},
		{RunStateUnknown, RunStateRunning, true},
		{RunStateRunning, RunStateUnknown, true},
		{RunStateRunning, RunStateRunning, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseRunState(t *testing.T) {
	assert.Equal(t, RunStateRunning, ParseRunState(" Running "))
	assert.Equal(t, RunStateUnknown, ParseRunState("exploded"))
}

func TestOrderedArgs_PreservesJSONOrder(t *testing.T) {
	var args OrderedArgs
	require.NoError(t, json.Unmarshal([]byte(`{"zeta": 1, "alpha": "x", "mid": true, "lr": 0.001}`), &args))

	assert.Equal(t, []string{"--zeta", "1", "--alpha", "x", "--mid", "true", "--lr", "0.001"}, args.Flags())

	data, err := json.Marshal(args)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"1","alpha":"x","mid":"true","lr":"0.001"}`, string(data))
}

func TestOrderedArgs_RejectsArray(t *testing.T) {
	var args OrderedArgs
	assert.Error(t, json.Unmarshal([]byte(`["--lr", "1"]`), &args))
}

func TestOverrides_MergePrecedence(t *testing.T) {
	job := Overrides{
		Args:      OrderedArgs{{"epochs", "10"}, {"lr", "0.1"}},
		RunConfig: map[string]any{"a": 1, "b": 1},
	}
	queue := Overrides{
		Args:      OrderedArgs{{"lr", "0.01"}, {"batch", "32"}},
		RunConfig: map[string]any{"b": 2},
	}
	call := Overrides{
		Args:       OrderedArgs{{"batch", "64"}},
		EntryPoint: []string{"python", "train.py"},
	}

	merged := job.Merge(queue).Merge(call)

	assert.Equal(t, OrderedArgs{{"epochs", "10"}, {"lr", "0.01"}, {"batch", "64"}}, merged.Args)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, merged.RunConfig)
	assert.Equal(t, []string{"python", "train.py"}, merged.EntryPoint)
	// 入参不被修改
	assert.Equal(t, "0.1", job.Args[1].Value)
}

func TestErrorTaxonomy(t *testing.T) {
	cfg := fmt.Errorf("wrap: %w", Configf("resource_args.role_arn", "missing"))
	assert.True(t, errors.Is(cfg, ErrConfiguration))
	assert.True(t, IsFatal(cfg))

	var ce *ConfigurationError
	require.True(t, errors.As(cfg, &ce))
	assert.Equal(t, "resource_args.role_arn", ce.Resource)

	nf := &NotFoundError{Kind: "queue", Name: "gpu"}
	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.Contains(t, nf.Error(), `queue "gpu" not found`)

	tr := &TransientError{Op: "pop", StatusCode: 503, Err: errors.New("unavailable")}
	assert.True(t, errors.Is(tr, ErrTransient))
	assert.False(t, IsFatal(tr))

	de := DispatchErr("kubernetes", "create job", errors.New("forbidden"))
	assert.True(t, errors.Is(de, ErrDispatch))
}

func TestResourceArgs(t *testing.T) {
	var args ResourceArgs
	require.NoError(t, json.Unmarshal([]byte(`{"namespace":"ml","job":{"backoff_limit":2},"env":{"A":"1"}}`), &args))

	assert.Equal(t, "ml", args.String("namespace"))
	n, ok := args.Map("job").Int("backoff_limit")
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]string{"A": "1"}, args.StringMap("env"))
	assert.Nil(t, args.Map("missing"))
}
