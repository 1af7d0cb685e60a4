package resolver

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"launch-agent/internal/shared/model"
)

// Git 源码获取
type Git interface {
	// Clone 克隆 uri 到 dir 并切换到 version（分支、tag 或 commit），返回 HEAD commit
	Clone(ctx context.Context, uri, version, dir string) (string, error)
	// Apply 在 dir 中应用补丁文件
	Apply(ctx context.Context, dir, patchFile string) error
}

var commitRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// ExecGit 调用本机 git
type ExecGit struct {
	Depth int
}

func (g ExecGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w, output: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone 实现 Git
func (g ExecGit) Clone(ctx context.Context, uri, version, dir string) (string, error) {
	args := []string{"clone"}
	isCommit := commitRe.MatchString(version)
	if !isCommit && g.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", g.Depth))
	}
	if version != "" && !isCommit {
		args = append(args, "-b", version)
	}
	args = append(args, uri, dir)

	log.Printf("[resolver.git.clone] uri=%s version=%s dir=%s", uri, version, dir)
	if _, err := g.run(ctx, "", args...); err != nil {
		if isMissingRepo(err) {
			return "", &model.NotFoundError{Kind: "repository", Name: uri, Err: err}
		}
		return "", err
	}

	if isCommit {
		if _, err := g.run(ctx, dir, "checkout", version); err != nil {
			return "", err
		}
	}
	return g.run(ctx, dir, "rev-parse", "HEAD")
}

// Apply 实现 Git
func (g ExecGit) Apply(ctx context.Context, dir, patchFile string) error {
	_, err := g.run(ctx, dir, "apply", patchFile)
	return err
}

func isMissingRepo(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "repository not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "remote branch") && strings.Contains(msg, "not found")
}
