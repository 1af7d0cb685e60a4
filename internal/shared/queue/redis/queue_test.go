package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/shared/model"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "launch:ent:proj:queues", queuesKey("ent", "proj"))
	assert.Equal(t, "launch:ent:proj:queue:gpu", streamKey("ent", "proj", "gpu"))
	assert.Equal(t, "launch:ent:proj:deadletter", deadLetterKey("ent", "proj"))
}

func TestDecodeMessage(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"item_id":  "abc",
			"priority": "2",
			"run_spec": `{"uri":"https://github.com/org/repo","overrides":{"args":{"lr":"0.1","epochs":"3"}}}`,
		},
	}
	item, _, err := decodeMessage("default", msg)
	require.NoError(t, err)
	assert.Equal(t, "abc", item.ID)
	assert.Equal(t, 2, item.Priority)
	assert.Equal(t, "default", item.Queue)
	assert.Equal(t, []string{"--lr", "0.1", "--epochs", "3"}, item.RunSpec.Overrides.Args.Flags())

	_, _, err = decodeMessage("default", redis.XMessage{ID: "2-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, _, err = decodeMessage("default", redis.XMessage{ID: "3-0", Values: map[string]interface{}{"run_spec": "{"}})
	assert.Error(t, err)
}

func TestWrapErr(t *testing.T) {
	err := wrapErr("xadd", errors.New("dial tcp: connection refused"))
	assert.True(t, errors.Is(err, model.ErrTransient))
}

// 以下用例需要真实 Redis（>= 6.2，XAUTOCLAIM）
func testClient(t *testing.T) *redis.Client {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("Redis not available")
	}
	client, err := Connect(context.Background(), url)
	if err != nil {
		t.Skip("Redis not available")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStore_PushPopAck(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	entity := "ent-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		client.Del(ctx, queuesKey(entity, "proj"), streamKey(entity, "proj", "default"), deadLetterKey(entity, "proj"))
	})

	s := NewStoreFromClient(client, Options{Consumer: "agent-a"})

	_, err := s.Pop(ctx, "default", entity, "proj")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	id, err := s.Push(ctx, "default", entity, "proj", model.RunSpec{DockerImage: "busybox"}, 0)
	require.NoError(t, err)

	names, err := s.ListQueues(ctx, entity, "proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)

	item, err := s.Pop(ctx, "default", entity, "proj")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "busybox", item.RunSpec.DockerImage)

	empty, err := s.Pop(ctx, "default", entity, "proj")
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, s.Ack(ctx, id))
	_, pending, err := s.Depth(ctx, "default", entity, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestStore_LeaseReclaimAndDeadLetter(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	entity := "ent-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		client.Del(ctx, queuesKey(entity, "proj"), streamKey(entity, "proj", "default"), deadLetterKey(entity, "proj"))
	})

	a := NewStoreFromClient(client, Options{Consumer: "agent-a", LeaseTimeout: 50 * time.Millisecond})
	b := NewStoreFromClient(client, Options{Consumer: "agent-b", LeaseTimeout: 50 * time.Millisecond})

	id, err := a.Push(ctx, "default", entity, "proj", model.RunSpec{URI: "u"}, 0)
	require.NoError(t, err)

	first, err := a.Pop(ctx, "default", entity, "proj")
	require.NoError(t, err)
	require.NotNil(t, first)

	// agent-a 未确认，租约过期后 agent-b 认领
	time.Sleep(100 * time.Millisecond)
	second, err := b.Pop(ctx, "default", entity, "proj")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)

	require.NoError(t, b.Fail(ctx, id, "boom"))
	dead, err := b.DeadLetters(ctx, entity, "proj", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0]["reason"])
}
