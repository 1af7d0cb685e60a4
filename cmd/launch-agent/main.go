// Package main 启动 Agent 入口
//
// 子命令：
//
//	launch-agent agent --entity E --project P --queue Q [--queue Q2] --max-jobs N
//	launch-agent push  --entity E --project P --queue Q --spec run.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"launch-agent/internal/config"
	"launch-agent/internal/shared/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "agent":
		err = runAgent(ctx, os.Args[2:])
	case "push":
		err = runPush(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if code := exitCode(err); code != 0 {
		log.Printf("[launch-agent.exit] code=%d error=%v", code, err)
		stop()
		os.Exit(code)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  launch-agent agent --entity E --project P --queue Q [--queue Q2] [--max-jobs N]
  launch-agent push  --entity E --project P --queue Q (--spec FILE | --uri URI | --job REF | --image IMAGE)

Run "launch-agent <command> -h" for command flags.`)
}

// exitCode 信号退出为 0；配置错误、启动失败为 1；参数错误为 2
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}

var errUsage = errors.New("usage error")

// stringList 可重复的字符串参数
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// loadConfig 处理 --config 并加载配置
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		// 支持直接指定 YAML 文件路径
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// visited 返回命令行上显式给出的参数名
func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// requireScope entity/project/queue 三者缺一不可
func requireScope(entity, project string, queues []string) error {
	switch {
	case entity == "":
		return model.Configf("entity", "--entity is required")
	case project == "":
		return model.Configf("project", "--project is required")
	case len(queues) == 0:
		return model.Configf("queues", "at least one --queue is required")
	}
	return nil
}
