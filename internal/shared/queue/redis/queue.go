// Package redis 基于 Redis Streams 的启动队列
//
// Key 设计：
//   - launch:{entity}:{project}:queues          Set，已创建的队列名
//   - launch:{entity}:{project}:queue:{name}    Stream，队列条目
//   - launch:{entity}:{project}:deadletter      Stream，Fail 的条目
//
// 所有 Agent 共用消费者组 launch_agents；消费者组的 pending 列表就是租约，
// 空闲超过 LeaseTimeout 的条目会被其他 Agent 通过 XAUTOCLAIM 认领（至少一次投递）。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/queue"
)

const (
	// ConsumerGroup 所有 Agent 共用的消费者组
	ConsumerGroup = "launch_agents"

	keyPrefix   = "launch:"
	streamMax   = 10000
	errBusyGrp  = "BUSYGROUP Consumer Group name already exists"
	defaultIdle = 10 * time.Minute
)

func queuesKey(entity, project string) string {
	return fmt.Sprintf("%s%s:%s:queues", keyPrefix, entity, project)
}

func streamKey(entity, project, queueName string) string {
	return fmt.Sprintf("%s%s:%s:queue:%s", keyPrefix, entity, project, queueName)
}

func deadLetterKey(entity, project string) string {
	return fmt.Sprintf("%s%s:%s:deadletter", keyPrefix, entity, project)
}

// Options 队列参数
type Options struct {
	// Consumer 消费者名（通常为 agent id）
	Consumer string
	// LeaseTimeout 未确认条目空闲多久后可被其他消费者认领
	LeaseTimeout time.Duration
	// Block XREADGROUP 阻塞时长，<=0 表示不阻塞
	Block time.Duration
}

type lease struct {
	stream  string
	msgID   string
	entity  string
	project string
	queue   string
	payload string
}

// Store Redis Streams 队列
type Store struct {
	client *redis.Client
	opts   Options

	mu       sync.Mutex
	inflight map[string]lease // item id -> lease
	groups   map[string]bool  // 已确认存在消费者组的 stream
}

// NewStoreFromClient 从已有客户端创建
func NewStoreFromClient(client *redis.Client, opts Options) *Store {
	if opts.Consumer == "" {
		opts.Consumer = "agent-" + uuid.NewString()[:8]
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaultIdle
	}
	return &Store{
		client:   client,
		opts:     opts,
		inflight: make(map[string]lease),
		groups:   make(map[string]bool),
	}
}

// Connect 解析 URL 并连接
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, model.Configf("redis.url", "failed to parse Redis URL: %v", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &model.TransientError{Op: "redis.ping", Err: err}
	}
	log.Printf("[queue.redis.connected] addr=%s", opts.Addr)
	return client, nil
}

func (s *Store) ensureGroup(ctx context.Context, stream string) error {
	s.mu.Lock()
	ok := s.groups[stream]
	s.mu.Unlock()
	if ok {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, ConsumerGroup, "0").Err()
	if err != nil && err.Error() != errBusyGrp {
		return wrapErr("xgroup_create", err)
	}
	s.mu.Lock()
	s.groups[stream] = true
	s.mu.Unlock()
	return nil
}

// CreateQueue 注册队列并创建消费者组
func (s *Store) CreateQueue(ctx context.Context, queueName, entity, project string) error {
	if err := s.client.SAdd(ctx, queuesKey(entity, project), queueName).Err(); err != nil {
		return wrapErr("sadd", err)
	}
	return s.ensureGroup(ctx, streamKey(entity, project, queueName))
}

// Push 实现 queue.Pusher
func (s *Store) Push(ctx context.Context, queueName, entity, project string, spec model.RunSpec, priority int) (string, error) {
	if err := s.CreateQueue(ctx, queueName, entity, project); err != nil {
		return "", err
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run spec: %w", err)
	}

	itemID := uuid.NewString()
	msgID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(entity, project, queueName),
		MaxLen: streamMax,
		Approx: true,
		Values: map[string]interface{}{
			"item_id":     itemID,
			"priority":    priority,
			"run_spec":    string(payload),
			"enqueued_at": time.Now().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", wrapErr("xadd", err)
	}

	log.Printf("[queue.redis.push] queue=%s entity=%s project=%s item_id=%s msg_id=%s", queueName, entity, project, itemID, msgID)
	return itemID, nil
}

// Pop 实现 queue.Queue
//
// 先认领租约过期的条目，再读取新条目。
func (s *Store) Pop(ctx context.Context, queueName, entity, project string) (*model.QueueItem, error) {
	exists, err := s.client.SIsMember(ctx, queuesKey(entity, project), queueName).Result()
	if err != nil {
		return nil, wrapErr("sismember", err)
	}
	if !exists {
		return nil, &model.NotFoundError{Kind: "queue", Name: queueName}
	}

	stream := streamKey(entity, project, queueName)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    ConsumerGroup,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.LeaseTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapErr("xautoclaim", err)
	}
	if len(claimed) > 0 {
		log.Printf("[queue.redis.reclaim] queue=%s msg_id=%s", queueName, claimed[0].ID)
		return s.accept(ctx, stream, entity, project, queueName, claimed[0])
	}

	block := s.opts.Block
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: s.opts.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, wrapErr("xreadgroup", err)
	}
	for _, st := range streams {
		for _, msg := range st.Messages {
			return s.accept(ctx, stream, entity, project, queueName, msg)
		}
	}
	return nil, nil
}

// accept 解析消息并登记租约；无法解析的消息直接进入死信
func (s *Store) accept(ctx context.Context, stream, entity, project, queueName string, msg redis.XMessage) (*model.QueueItem, error) {
	item, payload, err := decodeMessage(queueName, msg)
	l := lease{stream: stream, msgID: msg.ID, entity: entity, project: project, queue: queueName, payload: payload}
	if err != nil {
		log.Printf("[queue.redis.malformed] queue=%s msg_id=%s error=%v", queueName, msg.ID, err)
		if dlErr := s.deadLetter(ctx, l, msg.ID, err.Error()); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}

	s.mu.Lock()
	s.inflight[item.ID] = l
	s.mu.Unlock()
	return item, nil
}

func decodeMessage(queueName string, msg redis.XMessage) (*model.QueueItem, string, error) {
	itemID, _ := msg.Values["item_id"].(string)
	if itemID == "" {
		itemID = msg.ID
	}
	payload, _ := msg.Values["run_spec"].(string)
	if payload == "" {
		return nil, payload, fmt.Errorf("message %s has no run_spec", msg.ID)
	}

	var spec model.RunSpec
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return nil, payload, fmt.Errorf("invalid run_spec: %w", err)
	}

	item := &model.QueueItem{
		ID:       itemID,
		Queue:    queueName,
		RunSpec:  spec,
		PoppedAt: time.Now(),
	}
	if p, ok := msg.Values["priority"].(string); ok {
		item.Priority, _ = strconv.Atoi(p)
	}
	return item, payload, nil
}

// Ack 实现 queue.Queue
func (s *Store) Ack(ctx context.Context, itemID string) error {
	l, err := s.takeLease(itemID)
	if err != nil {
		return err
	}
	n, err := s.client.XAck(ctx, l.stream, ConsumerGroup, l.msgID).Result()
	if err != nil {
		s.restoreLease(itemID, l)
		return wrapErr("xack", err)
	}
	if n == 0 {
		// 租约已被其他消费者认领
		return &queue.StatusError{Op: "ack", StatusCode: 409, Body: "lease lost for " + itemID}
	}
	return nil
}

// Fail 实现 queue.Queue：确认并写入死信流
func (s *Store) Fail(ctx context.Context, itemID, reason string) error {
	l, err := s.takeLease(itemID)
	if err != nil {
		return err
	}
	if err := s.deadLetter(ctx, l, itemID, reason); err != nil {
		s.restoreLease(itemID, l)
		return err
	}
	log.Printf("[queue.redis.fail] queue=%s item_id=%s reason=%q", l.queue, itemID, reason)
	return nil
}

func (s *Store) deadLetter(ctx context.Context, l lease, itemID, reason string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, l.stream, ConsumerGroup, l.msgID)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: deadLetterKey(l.entity, l.project),
			MaxLen: streamMax,
			Approx: true,
			Values: map[string]interface{}{
				"item_id":   itemID,
				"queue":     l.queue,
				"reason":    reason,
				"run_spec":  l.payload,
				"failed_at": time.Now().Format(time.RFC3339Nano),
			},
		})
		return nil
	})
	if err != nil {
		return wrapErr("deadletter", err)
	}
	return nil
}

func (s *Store) takeLease(itemID string) (lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.inflight[itemID]
	if !ok {
		return lease{}, &model.NotFoundError{Kind: "queue item", Name: itemID}
	}
	delete(s.inflight, itemID)
	return l, nil
}

func (s *Store) restoreLease(itemID string, l lease) {
	s.mu.Lock()
	s.inflight[itemID] = l
	s.mu.Unlock()
}

// ListQueues 实现 queue.Queue
func (s *Store) ListQueues(ctx context.Context, entity, project string) ([]string, error) {
	names, err := s.client.SMembers(ctx, queuesKey(entity, project)).Result()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	sort.Strings(names)
	return names, nil
}

// Depth 返回队列长度与未确认条目数
func (s *Store) Depth(ctx context.Context, queueName, entity, project string) (length, pending int64, err error) {
	stream := streamKey(entity, project, queueName)
	length, err = s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, 0, wrapErr("xlen", err)
	}
	p, err := s.client.XPending(ctx, stream, ConsumerGroup).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return length, 0, nil
		}
		return 0, 0, wrapErr("xpending", err)
	}
	return length, p.Count, nil
}

// DeadLetters 读取死信（最多 count 条）
func (s *Store) DeadLetters(ctx context.Context, entity, project string, count int64) ([]map[string]string, error) {
	msgs, err := s.client.XRangeN(ctx, deadLetterKey(entity, project), "-", "+", count).Result()
	if err != nil {
		return nil, wrapErr("xrange", err)
	}
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		row := map[string]string{"msg_id": m.ID}
		for k, v := range m.Values {
			row[k] = fmt.Sprint(v)
		}
		out = append(out, row)
	}
	return out, nil
}

// wrapErr Redis 命令错误：连接类错误为暂时性错误，服务端返回的错误原样包装
func wrapErr(op string, err error) error {
	if _, ok := err.(redis.Error); ok {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return &model.TransientError{Op: "redis." + op, Err: err}
}

var (
	_ queue.Queue  = (*Store)(nil)
	_ queue.Pusher = (*Store)(nil)
)
