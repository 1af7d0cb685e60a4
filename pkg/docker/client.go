// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库，
// 提供启动任务容器所需的创建、启动、停止、查询与日志功能，
// 以及从源码构建镜像和推送镜像。
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/jsonstream"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"
)

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name       string            // 容器名称
	Image      string            // 镜像名称
	Entrypoint []string          // 入口点（覆盖镜像默认）
	Cmd        []string          // 启动命令
	Env        map[string]string // 环境变量
	WorkingDir string            // 工作目录
	Binds      map[string]string // 挂载 host:container
	Labels     map[string]string
	GPUs       string // "all" 或设备数量
	AutoRemove bool
}

// ContainerState 容器状态快照
type ContainerState struct {
	Status     string // created/running/paused/restarting/removing/exited/dead
	ExitCode   int
	StartedAt  string
	FinishedAt string
	Error      string
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer 创建容器
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	var binds []string
	for hostPath, containerPath := range cfg.Binds {
		binds = append(binds, fmt.Sprintf("%s:%s", hostPath, containerPath))
	}
	sort.Strings(binds)

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	hostConfig := &container.HostConfig{
		Binds:      binds,
		AutoRemove: cfg.AutoRemove,
	}
	if cfg.GPUs != "" {
		req := container.DeviceRequest{Driver: "nvidia", Capabilities: [][]string{{"gpu"}}}
		if cfg.GPUs == "all" {
			req.Count = -1
		} else {
			fmt.Sscanf(cfg.GPUs, "%d", &req.Count)
		}
		hostConfig.DeviceRequests = []container.DeviceRequest{req}
	}

	result, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Entrypoint:   cfg.Entrypoint,
			Cmd:          cfg.Cmd,
			Env:          env,
			WorkingDir:   cfg.WorkingDir,
			Labels:       cfg.Labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("image %s not found: %w", cfg.Image, err)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// StopContainer 停止容器（timeout 秒后强制终止）
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *int) error {
	opts := client.ContainerStopOptions{}
	if timeout != nil {
		opts.Timeout = timeout
	}
	_, err := c.cli.ContainerStop(ctx, containerID, opts)
	return err
}

// RemoveContainer 删除容器
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force: force,
	})
	return err
}

// InspectContainer 查询容器状态；容器不存在时返回 (nil, nil)
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	result, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	st := result.Container.State
	return &ContainerState{
		Status:     string(st.Status),
		ExitCode:   st.ExitCode,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		Error:      st.Error,
	}, nil
}

// ContainerLogs 获取容器最近 tail 行日志（stdout 与 stderr 合并）
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail string) (string, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     false,
	})
	if err != nil {
		return "", err
	}
	defer result.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, result); err != nil {
		return buf.String(), fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}

// BuildOptions 镜像构建参数
type BuildOptions struct {
	Tag        string
	Dockerfile string // 构建上下文内的相对路径，默认 Dockerfile
	Labels     map[string]string
}

// BuildImage 用 tar（可 gzip 压缩）构建上下文构建镜像，返回构建输出
//
// 守护进程在响应流中报告构建失败，此时返回已收到的输出和错误。
func (c *Client) BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions) ([]string, error) {
	result, err := c.cli.ImageBuild(ctx, buildContext, client.ImageBuildOptions{
		Tags:       []string{opts.Tag},
		Dockerfile: opts.Dockerfile,
		Labels:     opts.Labels,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image %s: %w", opts.Tag, err)
	}
	defer result.Body.Close()
	return readMessages(result.Body)
}

// RegistryAuth 镜像仓库凭证
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// Encode X-Registry-Auth 头的取值；没有用户名时为空
func (a RegistryAuth) Encode() (string, error) {
	if a.Username == "" {
		return "", nil
	}
	data, err := json.Marshal(registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.ServerAddress,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// PushImage 推送镜像，返回推送输出
func (c *Client) PushImage(ctx context.Context, ref string, auth RegistryAuth) ([]string, error) {
	encoded, err := auth.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode registry auth: %w", err)
	}
	resp, err := c.cli.ImagePush(ctx, ref, client.ImagePushOptions{RegistryAuth: encoded})
	if err != nil {
		return nil, fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	defer resp.Close()
	return readMessages(resp)
}

// readMessages 解析守护进程的 JSON 消息流，遇到 errorDetail 时返回错误
func readMessages(r io.Reader) ([]string, error) {
	var lines []string
	dec := json.NewDecoder(r)
	for {
		var msg jsonstream.Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, fmt.Errorf("decode docker output: %w", err)
		}
		if msg.Error != nil {
			return lines, msg.Error
		}
		switch {
		case msg.Stream != "":
			if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
				lines = append(lines, line)
			}
		case msg.Status != "" && (msg.Progress == nil || msg.Progress.Total == 0):
			lines = append(lines, strings.TrimSpace(msg.ID+" "+msg.Status))
		}
	}
}
