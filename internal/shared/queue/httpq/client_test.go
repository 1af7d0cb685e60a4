package httpq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/retry"
	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/queue"
)

func TestClient_Pop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v1/entities/ent/projects/proj/queues/default/pop":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"q1","run_spec":{"uri":"https://github.com/org/repo","overrides":{"args":{"b":"2","a":"1"}}}}`))
		case "/api/v1/entities/ent/projects/proj/queues/empty/pop":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", nil)
	ctx := context.Background()

	item, err := c.Pop(ctx, "default", "ent", "proj")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "q1", item.ID)
	assert.Equal(t, "default", item.Queue)
	assert.Equal(t, []string{"--b", "2", "--a", "1"}, item.RunSpec.Overrides.Args.Flags())

	empty, err := c.Pop(ctx, "empty", "ent", "proj")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = c.Pop(ctx, "missing", "ent", "proj")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"503 transient", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var te *model.TransientError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, 503, te.StatusCode)
		}},
		{"400 surfaces", http.StatusBadRequest, func(t *testing.T, err error) {
			var se *queue.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, 400, se.StatusCode)
			assert.Equal(t, retry.FatalFailure, queue.Classify(err))
		}},
		{"409 conflict", http.StatusConflict, func(t *testing.T, err error) {
			assert.True(t, queue.IsConflict(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()
			err := New(srv.URL, "", nil).Ack(context.Background(), "q1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_FailSendsReason(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/queue-items/q7/fail", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "", nil).Fail(context.Background(), "q7", "configuration error"))
	assert.Equal(t, "configuration error", got["reason"])
}

func TestClient_ListQueues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queues":["default","gpu"]}`))
	}))
	defer srv.Close()

	names, err := New(srv.URL, "", nil).ListQueues(context.Background(), "ent", "proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "gpu"}, names)
}

// 通过 Retrying 包装后 5xx 被吸收
func TestClient_RetryingAbsorbs5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"q1","run_spec":{"docker_image":"busybox"}}`))
	}))
	defer srv.Close()

	policy := queue.DefaultRetryPolicy()
	policy.Clock = retry.NewFakeClock(time.Unix(0, 0))
	policy.Jitter = retry.NoJitter
	policy.Notify = func(string, ...any) {}

	q := queue.NewRetrying(New(srv.URL, "", nil), policy)
	item, err := q.Pop(context.Background(), "default", "ent", "proj")
	require.NoError(t, err)
	assert.Equal(t, "busybox", item.RunSpec.DockerImage)
	assert.Equal(t, int32(3), calls.Load())
}
