package resolver

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
)

// fakeGit 在目标目录写入固定文件，记录调用
type fakeGit struct {
	files    map[string]string
	cloneErr error
	clones   []string
	applied  []string
}

func (g *fakeGit) Clone(ctx context.Context, uri, version, dir string) (string, error) {
	g.clones = append(g.clones, uri+"@"+version)
	if g.cloneErr != nil {
		return "", g.cloneErr
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for name, body := range g.files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return "", err
		}
	}
	return "abc1234", nil
}

func (g *fakeGit) Apply(ctx context.Context, dir, patchFile string) error {
	data, err := os.ReadFile(patchFile)
	if err != nil {
		return err
	}
	g.applied = append(g.applied, string(data))
	return nil
}

func newTestResolver(t *testing.T, jobs JobSource, git Git, store objstore.Store) *Resolver {
	r := New(jobs, store, git, t.TempDir())
	r.NewRunID = func() string { return "run00001" }
	return r
}

func TestResolve_SourceValidation(t *testing.T) {
	r := newTestResolver(t, NewStaticJobSource(), &fakeGit{}, nil)

	tests := []struct {
		name string
		spec model.RunSpec
	}{
		{"none", model.RunSpec{}},
		{"uri and image", model.RunSpec{URI: "https://github.com/org/repo", DockerImage: "busybox"}},
		{"all three", model.RunSpec{URI: "u", JobRef: "j", DockerImage: "i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.spec, model.Overrides{})
			require.Error(t, err)
			var ce *model.ConfigurationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "run_spec", ce.Resource)
		})
	}
}

func TestResolve_ImagePassthrough(t *testing.T) {
	r := newTestResolver(t, nil, &fakeGit{}, nil)

	p, err := r.Resolve(context.Background(), model.RunSpec{
		DockerImage: "registry.local/train:1",
		Overrides:   model.Overrides{Args: model.OrderedArgs{{Key: "epochs", Value: "2"}}},
	}, model.Overrides{})
	require.NoError(t, err)

	assert.Equal(t, model.SourceImage, p.Source)
	assert.Equal(t, "registry.local/train:1", p.DockerImage)
	assert.Empty(t, p.ProjectDir)
	assert.Equal(t, []string{"--epochs", "2"}, p.EntryPoint)
	assert.Equal(t, "run00001", p.RunID)
}

func TestResolve_JobPrecedence(t *testing.T) {
	jobs := NewStaticJobSource(&JobDefinition{
		Name:        "ent/proj/train:v1",
		DockerImage: "train:v1",
		EntryPoint:  []string{"python", "train.py"},
		Args:        model.OrderedArgs{{Key: "lr", Value: "0.1"}, {Key: "epochs", Value: "10"}},
		RunConfig:   map[string]any{"optimizer": "sgd", "seed": float64(1)},
	})
	r := newTestResolver(t, jobs, &fakeGit{}, nil)

	spec := model.RunSpec{
		JobRef: "ent/proj/train:v1",
		Overrides: model.Overrides{
			Args:      model.OrderedArgs{{Key: "epochs", Value: "20"}, {Key: "batch", Value: "32"}},
			RunConfig: map[string]any{"optimizer": "adam"},
		},
	}
	call := model.Overrides{Args: model.OrderedArgs{{Key: "batch", Value: "64"}}}

	p, err := r.Resolve(context.Background(), spec, call)
	require.NoError(t, err)

	assert.Equal(t, model.SourceImage, p.Source)
	assert.Equal(t, "train:v1", p.DockerImage)
	assert.Equal(t, []string{"python", "train.py", "--lr", "0.1", "--epochs", "20", "--batch", "64"}, p.EntryPoint)
	assert.Equal(t, "adam", p.Overrides.RunConfig["optimizer"])
	assert.JSONEq(t, `{"optimizer":"adam","seed":1}`, p.Env["LAUNCH_RUN_CONFIG"])
}

func TestResolve_MissingJob(t *testing.T) {
	r := newTestResolver(t, NewStaticJobSource(), &fakeGit{}, nil)
	_, err := r.Resolve(context.Background(), model.RunSpec{JobRef: "ent/proj/nope:latest"}, model.Overrides{})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestResolve_GitWithDiff(t *testing.T) {
	git := &fakeGit{files: map[string]string{"main.py": "print(1)\n"}}
	jobs := NewStaticJobSource(&JobDefinition{
		Name:       "ent/proj/dirty:v3",
		URI:        "https://github.com/org/repo",
		GitVersion: "main",
		Diff:       "diff --git a/main.py b/main.py\n",
	})
	r := newTestResolver(t, jobs, git, nil)

	p, err := r.Resolve(context.Background(), model.RunSpec{JobRef: "ent/proj/dirty:v3"}, model.Overrides{})
	require.NoError(t, err)

	assert.Equal(t, model.SourceGit, p.Source)
	assert.Equal(t, "abc1234", p.GitCommit)
	assert.Equal(t, []string{"https://github.com/org/repo@main"}, git.clones)
	assert.Equal(t, []string{"diff --git a/main.py b/main.py\n"}, git.applied)
	assert.Equal(t, []string{"python", "main.py"}, p.EntryPoint)
	assert.FileExists(t, filepath.Join(p.ProjectDir, "diff.patch"))

	r.Cleanup(p)
	assert.NoDirExists(t, p.ProjectDir)
}

func TestResolve_GitVersionFromSpecWins(t *testing.T) {
	git := &fakeGit{files: map[string]string{"main.py": ""}}
	r := newTestResolver(t, nil, git, nil)

	_, err := r.Resolve(context.Background(), model.RunSpec{URI: "https://github.com/org/repo", GitVersion: "feature"}, model.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://github.com/org/repo@feature"}, git.clones)
}

func TestResolve_GitWithoutEntryPoint(t *testing.T) {
	r := newTestResolver(t, nil, &fakeGit{files: map[string]string{"README.md": "x"}}, nil)

	_, err := r.Resolve(context.Background(), model.RunSpec{URI: "https://github.com/org/repo"}, model.Overrides{})
	var ce *model.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "entry_point", ce.Resource)

	entries, _ := os.ReadDir(r.WorkDir)
	assert.Empty(t, entries, "materialized dir must be removed on failure")
}

func TestResolve_CloneFailure(t *testing.T) {
	r := newTestResolver(t, nil, &fakeGit{cloneErr: &model.NotFoundError{Kind: "repository", Name: "x"}}, nil)
	_, err := r.Resolve(context.Background(), model.RunSpec{URI: "x"}, model.Overrides{})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestResolve_Artifact(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "train.py"), []byte("print('train')\n"), 0o644))
	store := objstore.NewMemoryStore("artifacts")
	_, err := objstore.StageDir(context.Background(), store, src, "code/train-v1.tar.gz")
	require.NoError(t, err)

	jobs := NewStaticJobSource(&JobDefinition{
		Name:        "ent/proj/train:v1",
		ArtifactKey: "code/train-v1.tar.gz",
		EntryPoint:  []string{"python", "train.py"},
	})
	r := newTestResolver(t, jobs, &fakeGit{}, store)

	p, err := r.Resolve(context.Background(), model.RunSpec{JobRef: "ent/proj/train:v1"}, model.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceArtifact, p.Source)
	assert.FileExists(t, filepath.Join(p.ProjectDir, "train.py"))
}

func TestObjectJobSource(t *testing.T) {
	store := objstore.NewMemoryStore("launch")
	body := []byte(`{"uri":"https://github.com/org/repo","args":{"b":"1","a":"2"}}`)
	require.NoError(t, store.Upload(context.Background(), "jobs/ent/proj/train_v1.json", bytes.NewReader(body), int64(len(body)), "application/json"))

	src := &ObjectJobSource{Store: store}
	job, err := src.FetchJob(context.Background(), "ent/proj/train:v1")
	require.NoError(t, err)
	assert.Equal(t, "ent/proj/train:v1", job.Name)
	assert.Equal(t, []string{"--b", "1", "--a", "2"}, job.Args.Flags())

	_, err = src.FetchJob(context.Background(), "ent/proj/other:v1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDirJobSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ent", "proj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ent", "proj", "eval_latest.json"), []byte(`{"docker_image":"eval:1"}`), 0o644))

	src := &DirJobSource{Dir: dir}
	job, err := src.FetchJob(context.Background(), "ent/proj/eval:latest")
	require.NoError(t, err)
	assert.Equal(t, "eval:1", job.DockerImage)

	_, err = src.FetchJob(context.Background(), "ent/proj/missing:latest")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

// 需要本机 git
func TestExecGit_CloneLocalRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	repo := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run(repo, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.py"), []byte("print(1)\n"), 0o644))
	run(repo, "add", ".")
	run(repo, "commit", "-q", "-m", "init")

	dst := filepath.Join(t.TempDir(), "clone")
	commit, err := ExecGit{}.Clone(ctx, repo, "main", dst)
	require.NoError(t, err)
	assert.Len(t, commit, 40)
	assert.FileExists(t, filepath.Join(dst, "main.py"))

	_, err = ExecGit{}.Clone(ctx, filepath.Join(repo, "missing"), "", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}
