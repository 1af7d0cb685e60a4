// Package httpq 控制面 HTTP 队列客户端
//
// 接口：
//
//	GET  /api/v1/entities/{entity}/projects/{project}/queues
//	POST /api/v1/entities/{entity}/projects/{project}/queues/{queue}/pop   200 条目 / 204 空
//	POST /api/v1/queue-items/{id}/ack
//	POST /api/v1/queue-items/{id}/fail
//	POST /api/v1/entities/{entity}/projects/{project}/queues/{queue}/items
//
// 5xx 与连接错误转换为 model.TransientError，404 转换为 model.NotFoundError，
// 其余非 2xx 为 queue.StatusError。重试由 queue.Retrying 负责。
package httpq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/queue"
)

// Client HTTP 队列客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New 创建客户端；httpClient 为 nil 时使用 30s 超时的默认客户端
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

func queuePath(entity, project string) string {
	return fmt.Sprintf("/api/v1/entities/%s/projects/%s/queues", url.PathEscape(entity), url.PathEscape(project))
}

// Pop 实现 queue.Queue
func (c *Client) Pop(ctx context.Context, queueName, entity, project string) (*model.QueueItem, error) {
	path := queuePath(entity, project) + "/" + url.PathEscape(queueName) + "/pop"
	var item model.QueueItem
	status, err := c.do(ctx, "pop", http.MethodPost, path, nil, &item, &model.NotFoundError{Kind: "queue", Name: queueName})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || item.ID == "" {
		return nil, nil
	}
	if item.Queue == "" {
		item.Queue = queueName
	}
	item.PoppedAt = time.Now()
	return &item, nil
}

// Ack 实现 queue.Queue
func (c *Client) Ack(ctx context.Context, itemID string) error {
	_, err := c.do(ctx, "ack", http.MethodPost, "/api/v1/queue-items/"+url.PathEscape(itemID)+"/ack", nil, nil,
		&model.NotFoundError{Kind: "queue item", Name: itemID})
	return err
}

// Fail 实现 queue.Queue
func (c *Client) Fail(ctx context.Context, itemID, reason string) error {
	body := map[string]string{"reason": reason}
	_, err := c.do(ctx, "fail", http.MethodPost, "/api/v1/queue-items/"+url.PathEscape(itemID)+"/fail", body, nil,
		&model.NotFoundError{Kind: "queue item", Name: itemID})
	return err
}

// ListQueues 实现 queue.Queue
func (c *Client) ListQueues(ctx context.Context, entity, project string) ([]string, error) {
	var resp struct {
		Queues []string `json:"queues"`
	}
	if _, err := c.do(ctx, "list_queues", http.MethodGet, queuePath(entity, project), nil, &resp,
		&model.NotFoundError{Kind: "project", Name: entity + "/" + project}); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// Push 实现 queue.Pusher
func (c *Client) Push(ctx context.Context, queueName, entity, project string, spec model.RunSpec, priority int) (string, error) {
	path := queuePath(entity, project) + "/" + url.PathEscape(queueName) + "/items"
	body := map[string]any{"run_spec": spec, "priority": priority}
	var resp struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, "push", http.MethodPost, path, body, &resp, &model.NotFoundError{Kind: "queue", Name: queueName}); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, notFound error) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, model.Configf("queue.url", "invalid request url: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &model.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, &model.TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, notFound
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, &model.TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(msg))}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, &queue.StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
}

var (
	_ queue.Queue  = (*Client)(nil)
	_ queue.Pusher = (*Client)(nil)
)
