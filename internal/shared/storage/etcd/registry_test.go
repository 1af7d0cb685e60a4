package etcd

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/shared/model"
)

func TestNewRegistry_RequiresEndpoints(t *testing.T) {
	_, err := NewRegistry(Config{})
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

// 需要真实 etcd：TEST_ETCD_ENDPOINTS=127.0.0.1:2379
func TestRegistry_Lifecycle(t *testing.T) {
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("etcd not available")
	}
	r, err := NewRegistry(Config{Endpoints: strings.Split(endpoints, ","), Prefix: "/launch-test-" + uuid.NewString()[:8], LeaseTTL: 5})
	if err != nil {
		t.Skip("etcd not available")
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := model.AgentRecord{ID: "agent-1", Entity: "ent", Project: "proj", Queues: []string{"default"}, MaxJobs: 2, Status: model.AgentStatusPolling, StartedAt: time.Now()}
	require.NoError(t, r.Register(ctx, rec))
	require.NoError(t, r.SetStatus(ctx, model.AgentStatusRunning, 1))

	agents, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.AgentStatusRunning, agents[0].Status)
	assert.Equal(t, 1, agents[0].RunningJobs)

	require.NoError(t, r.Deregister(ctx))
	agents, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}
