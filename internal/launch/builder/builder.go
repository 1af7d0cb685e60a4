// Package builder 为源码类项目构建镜像
//
// 镜像来源直接返回原镜像；git / artifact 来源把项目目录打包成构建上下文，
// 通过 Docker API 按目录中的 Dockerfile 构建，配置了仓库时推送。
package builder

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
	"launch-agent/pkg/docker"
)

// RegistryConfig 镜像仓库
type RegistryConfig struct {
	// Repository 镜像仓库前缀，如 registry.local/launch/train
	Repository string
	Username   string
	Password   string
	// Push 构建后是否推送
	Push bool
}

// String 便于日志输出
func (r RegistryConfig) String() string {
	return fmt.Sprintf("repository=%s push=%v", r.Repository, r.Push)
}

// Host 仓库地址（Repository 的第一段）
func (r RegistryConfig) Host() string {
	return strings.SplitN(r.Repository, "/", 2)[0]
}

// Builder 镜像构建
type Builder interface {
	Build(ctx context.Context, project *model.LaunchProject, reg RegistryConfig) (string, error)
}

// ============================================================================
// Passthrough
// ============================================================================

// Passthrough 只接受镜像来源
type Passthrough struct{}

// Build 实现 Builder
func (Passthrough) Build(ctx context.Context, p *model.LaunchProject, reg RegistryConfig) (string, error) {
	if p.DockerImage != "" {
		return p.DockerImage, nil
	}
	return "", model.Configf("builder", "no image builder configured for %s source %s", p.Source, p.Identity())
}

// ============================================================================
// Docker
// ============================================================================

// ImageAPI Docker API 中构建用到的部分（*docker.Client 实现）
type ImageAPI interface {
	BuildImage(ctx context.Context, buildContext io.Reader, opts docker.BuildOptions) ([]string, error)
	PushImage(ctx context.Context, ref string, auth docker.RegistryAuth) ([]string, error)
}

// Docker 通过 Docker API 构建
type Docker struct {
	api ImageAPI
}

// NewDocker 创建构建器
func NewDocker(api ImageAPI) *Docker {
	return &Docker{api: api}
}

// Tag 构建产物的镜像名：{repository}:{commit 前 12 位 | run id}
func Tag(p *model.LaunchProject, reg RegistryConfig) string {
	repo := reg.Repository
	if repo == "" {
		repo = "launch-" + sanitize(p.Project)
	}
	version := p.RunID
	if len(p.GitCommit) >= 12 {
		version = p.GitCommit[:12]
	}
	return repo + ":" + version
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}

// Build 实现 Builder
func (d *Docker) Build(ctx context.Context, p *model.LaunchProject, reg RegistryConfig) (string, error) {
	if p.Source == model.SourceImage {
		return p.DockerImage, nil
	}
	if p.ProjectDir == "" {
		return "", model.Configf("builder", "project %s has no materialized directory", p.Identity())
	}
	if _, err := os.Stat(filepath.Join(p.ProjectDir, "Dockerfile")); err != nil {
		return "", model.Configf("builder", "no Dockerfile in %s", p.Identity())
	}

	tag := Tag(p, reg)
	log.Printf("[builder.build] run_id=%s tag=%s dir=%s", p.RunID, tag, p.ProjectDir)

	// 构建上下文边打包边上传
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(objstore.WriteTarGz(pw, p.ProjectDir))
	}()
	defer pr.Close()

	out, err := d.api.BuildImage(ctx, pr, docker.BuildOptions{
		Tag:        tag,
		Dockerfile: "Dockerfile",
		Labels:     map[string]string{"launch.run_id": p.RunID},
	})
	if err != nil {
		return "", model.DispatchErr("builder", "docker build failed: "+lastLines(out, 20), err)
	}

	if !reg.Push || reg.Repository == "" {
		return tag, nil
	}

	auth := docker.RegistryAuth{Username: reg.Username, Password: reg.Password, ServerAddress: reg.Host()}
	if out, err := d.api.PushImage(ctx, tag, auth); err != nil {
		return "", model.DispatchErr("builder", "docker push failed: "+lastLines(out, 10), err)
	}
	log.Printf("[builder.push] run_id=%s tag=%s", p.RunID, tag)
	return tag, nil
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var (
	_ Builder  = Passthrough{}
	_ Builder  = (*Docker)(nil)
	_ ImageAPI = (*docker.Client)(nil)
)
