package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
)

// JobDefinition 已登记的 job：来源 + 默认入口与参数
type JobDefinition struct {
	Name        string            `json:"name"`
	Source      model.SourceKind  `json:"source"`
	URI         string            `json:"uri,omitempty"`
	GitVersion  string            `json:"git_version,omitempty"`
	DockerImage string            `json:"docker_image,omitempty"`
	ArtifactKey string            `json:"artifact_key,omitempty"`
	EntryPoint  []string          `json:"entry_point,omitempty"`
	Args        model.OrderedArgs `json:"args,omitempty"`
	RunConfig   map[string]any    `json:"run_config,omitempty"`
	Diff        string            `json:"diff,omitempty"` // 未提交改动（git diff 输出）
	Env         map[string]string `json:"env,omitempty"`
	Resource    string            `json:"resource,omitempty"`
}

// JobSource 查询 job 定义；不存在时返回 model.NotFoundError
type JobSource interface {
	FetchJob(ctx context.Context, ref string) (*JobDefinition, error)
}

// ============================================================================
// StaticJobSource
// ============================================================================

// StaticJobSource 内存 job 表
type StaticJobSource struct {
	mu   sync.RWMutex
	jobs map[string]*JobDefinition
}

// NewStaticJobSource 创建内存 job 表
func NewStaticJobSource(jobs ...*JobDefinition) *StaticJobSource {
	s := &StaticJobSource{jobs: make(map[string]*JobDefinition)}
	for _, j := range jobs {
		s.Put(j)
	}
	return s
}

// Put 登记 job
func (s *StaticJobSource) Put(job *JobDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
}

// FetchJob 实现 JobSource
func (s *StaticJobSource) FetchJob(ctx context.Context, ref string) (*JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[ref]
	if !ok {
		return nil, &model.NotFoundError{Kind: "job", Name: ref}
	}
	cp := *job
	return &cp, nil
}

// ============================================================================
// DirJobSource / ObjectJobSource
// ============================================================================

// jobFileName job 引用到文件名："ent/proj/train:v2" -> "ent/proj/train_v2.json"
func jobFileName(ref string) string {
	return strings.ReplaceAll(strings.TrimPrefix(ref, "/"), ":", "_") + ".json"
}

func decodeJob(ref string, r io.Reader) (*JobDefinition, error) {
	var job JobDefinition
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return nil, model.Configf("job:"+ref, "invalid job definition: %v", err)
	}
	if job.Name == "" {
		job.Name = ref
	}
	return &job, nil
}

// DirJobSource 从本地目录读取 JSON job 定义
type DirJobSource struct {
	Dir string
}

// FetchJob 实现 JobSource
func (s *DirJobSource) FetchJob(ctx context.Context, ref string) (*JobDefinition, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(jobFileName(ref)))
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &model.NotFoundError{Kind: "job", Name: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("open job %s: %w", ref, err)
	}
	defer f.Close()
	return decodeJob(ref, f)
}

// ObjectJobSource 从对象存储 jobs/ 前缀读取 job 定义
type ObjectJobSource struct {
	Store  objstore.Store
	Prefix string
}

// FetchJob 实现 JobSource
func (s *ObjectJobSource) FetchJob(ctx context.Context, ref string) (*JobDefinition, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "jobs/"
	}
	rc, err := s.Store.Download(ctx, prefix+jobFileName(ref))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, &model.NotFoundError{Kind: "job", Name: ref}
		}
		return nil, err
	}
	defer rc.Close()
	return decodeJob(ref, rc)
}
