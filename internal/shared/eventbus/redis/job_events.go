// Package redis 任务事件总线的 Redis Streams 实现
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"launch-agent/internal/shared/eventbus"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
}

// NewStoreFromClient 复用队列的 Redis 连接
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 连接由创建方关闭
func (s *Store) Close() error { return nil }

// Publish 发布任务事件
func (s *Store) Publish(ctx context.Context, entity, project string, event *eventbus.JobEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := eventbus.StreamKey(entity, project)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":  string(event.Type),
			"event": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.ID = id

	log.Printf("[eventbus.published] stream=%s seq=%s type=%s item=%s", key, id, event.Type, event.ItemID)
	return nil
}

// Events 读取事件列表
func (s *Store) Events(ctx context.Context, entity, project, fromID string, count int64) ([]*eventbus.JobEvent, error) {
	if fromID == "" {
		fromID = "-"
	}
	key := eventbus.StreamKey(entity, project)

	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, key, fromID, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, key, fromID, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*eventbus.JobEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeEvent(msg)
		if err != nil {
			log.Printf("[eventbus.decode_failed] stream=%s seq=%s error=%v", key, msg.ID, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe 订阅新事件
func (s *Store) Subscribe(ctx context.Context, entity, project string) (<-chan *eventbus.JobEvent, error) {
	key := eventbus.StreamKey(entity, project)
	ch := make(chan *eventbus.JobEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[eventbus.subscribe_failed] stream=%s error=%v", key, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					ev, err := decodeEvent(msg)
					if err != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func decodeEvent(msg redis.XMessage) (*eventbus.JobEvent, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no event field", msg.ID)
	}
	var ev eventbus.JobEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("invalid event %s: %w", msg.ID, err)
	}
	ev.ID = msg.ID
	return &ev, nil
}

var _ eventbus.EventBus = (*Store)(nil)
