package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"launch-agent/internal/config"
	"launch-agent/internal/shared/infra"
	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/queue"
	redisq "launch-agent/internal/shared/queue/redis"
)

// pushFlags push 子命令参数
type pushFlags struct {
	configDir  string
	entity     string
	project    string
	queue      string
	priority   int
	specFile   string
	uri        string
	job        string
	image      string
	resource   string
	entryPoint string
}

func newPushFlagSet(f *pushFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	fs.StringVar(&f.configDir, "config", "", "配置文件目录（或 YAML 文件路径）")
	fs.StringVar(&f.entity, "entity", "", "entity")
	fs.StringVar(&f.project, "project", "", "project")
	fs.StringVar(&f.queue, "queue", "default", "目标队列")
	fs.IntVar(&f.priority, "priority", 0, "优先级")
	fs.StringVar(&f.specFile, "spec", "", "run spec JSON 文件，- 表示标准输入")
	fs.StringVar(&f.uri, "uri", "", "git 仓库地址")
	fs.StringVar(&f.job, "job", "", "已登记的 job 引用")
	fs.StringVar(&f.image, "image", "", "容器镜像")
	fs.StringVar(&f.resource, "resource", "", "执行后端")
	fs.StringVar(&f.entryPoint, "entry-point", "", "入口命令，空格分隔")
	return fs
}

// buildSpec 从 --spec 文件读取 run spec，其余参数覆盖其中对应字段
func buildSpec(f *pushFlags, stdin io.Reader) (model.RunSpec, error) {
	var spec model.RunSpec
	if f.specFile != "" {
		var r io.Reader = stdin
		if f.specFile != "-" {
			file, err := os.Open(f.specFile)
			if err != nil {
				return spec, fmt.Errorf("open spec: %w", err)
			}
			defer file.Close()
			r = file
		}
		if err := json.NewDecoder(r).Decode(&spec); err != nil {
			return spec, model.Configf("spec", "invalid run spec: %v", err)
		}
	}

	if f.uri != "" {
		spec.URI = f.uri
	}
	if f.job != "" {
		spec.JobRef = f.job
	}
	if f.image != "" {
		spec.DockerImage = f.image
	}
	if f.resource != "" {
		spec.Resource = f.resource
	}
	if f.entryPoint != "" {
		spec.Overrides.EntryPoint = strings.Fields(f.entryPoint)
	}
	if f.entity != "" {
		spec.Entity = f.entity
	}
	if f.project != "" {
		spec.Project = f.project
	}

	if spec.URI == "" && spec.JobRef == "" && spec.DockerImage == "" {
		return spec, model.Configf("spec", "one of --uri, --job, --image or --spec is required")
	}
	return spec, nil
}

func runPush(ctx context.Context, args []string) error {
	var f pushFlags
	fs := newPushFlagSet(&f)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := loadConfig(f.configDir)
	if err != nil {
		return err
	}
	if f.entity == "" {
		f.entity = cfg.Agent.Entity
	}
	if f.project == "" {
		f.project = cfg.Agent.Project
	}
	if err := requireScope(f.entity, f.project, []string{f.queue}); err != nil {
		return err
	}
	if cfg.Queue.Kind != config.QueueKindRedis {
		return model.Configf("queue.kind", "push only supports the redis queue")
	}

	spec, err := buildSpec(&f, os.Stdin)
	if err != nil {
		return err
	}

	ri, err := infra.NewRedisInfra(ctx, cfg.RedisURL, redisq.Options{})
	if err != nil {
		return err
	}
	defer ri.Close()

	var pusher queue.Pusher = ri.Queue()
	itemID, err := pusher.Push(ctx, f.queue, f.entity, f.project, spec, f.priority)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	log.Printf("[launch-agent.pushed] item=%s queue=%s entity=%s project=%s", itemID, f.queue, f.entity, f.project)
	fmt.Println(itemID)
	return nil
}
