package objstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"launch-agent/internal/shared/model"
)

// MemoryStore 内存对象存储（测试用）
type MemoryStore struct {
	bucket  string
	mu      *sync.Mutex
	objects map[string][]byte // key: bucket/key
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, mu: &sync.Mutex{}, objects: make(map[string][]byte)}
}

func (m *MemoryStore) Bucket() string { return m.bucket }

func (m *MemoryStore) WithBucket(bucket string) Store {
	return &MemoryStore{bucket: bucket, mu: m.mu, objects: m.objects}
}

func (m *MemoryStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.bucket+"/"+key] = data
	return nil
}

func (m *MemoryStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.bucket+"/"+key]
	if !ok {
		return nil, &model.NotFoundError{Kind: "artifact", Name: key}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[m.bucket+"/"+key]
	return ok, nil
}

var _ Store = (*MemoryStore)(nil)
