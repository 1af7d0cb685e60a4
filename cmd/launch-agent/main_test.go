package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/config"
	"launch-agent/internal/shared/model"
)

func baseConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			Entity:  "acme",
			Project: "vision",
			Queues:  []string{"from-yaml"},
			MaxJobs: 2,
		},
	}
}

func TestApplyAgentFlags_Precedence(t *testing.T) {
	var f agentFlags
	fs := newAgentFlagSet(&f)
	require.NoError(t, fs.Parse([]string{
		"--project", "nlp",
		"--queue", "gpu",
		"--queue", "cpu,spot",
		"--max-jobs", "-1",
		"--stop-jobs-on-exit",
	}))

	cfg := baseConfig()
	require.NoError(t, applyAgentFlags(cfg, &f, visited(fs)))

	assert.Equal(t, "acme", cfg.Agent.Entity, "unset flag keeps config value")
	assert.Equal(t, "nlp", cfg.Agent.Project)
	assert.Equal(t, []string{"gpu", "cpu", "spot"}, cfg.Agent.Queues)
	assert.Equal(t, -1, cfg.Agent.MaxJobs)
	assert.True(t, cfg.Agent.StopJobsOnExit)
}

func TestApplyAgentFlags_DefaultMaxJobsDoesNotOverride(t *testing.T) {
	var f agentFlags
	fs := newAgentFlagSet(&f)
	require.NoError(t, fs.Parse(nil))

	cfg := baseConfig()
	require.NoError(t, applyAgentFlags(cfg, &f, visited(fs)))
	assert.Equal(t, 2, cfg.Agent.MaxJobs)
	assert.Equal(t, []string{"from-yaml"}, cfg.Agent.Queues)
}

func TestApplyAgentFlags_MissingScope(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		resource string
	}{
		{"entity", func(c *config.Config) { c.Agent.Entity = "" }, "entity"},
		{"project", func(c *config.Config) { c.Agent.Project = "" }, "project"},
		{"queues", func(c *config.Config) { c.Agent.Queues = nil }, "queues"},
		{"max jobs", func(c *config.Config) { c.Agent.MaxJobs = 0 }, "agent.max_jobs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f agentFlags
			fs := newAgentFlagSet(&f)
			require.NoError(t, fs.Parse(nil))

			cfg := baseConfig()
			tt.mutate(cfg)
			err := applyAgentFlags(cfg, &f, visited(fs))

			var ce *model.ConfigurationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.resource, ce.Resource)
			assert.Equal(t, 1, exitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(flag.ErrHelp))
	assert.Equal(t, 2, exitCode(errUsage))
	assert.Equal(t, 1, exitCode(&model.NotFoundError{Kind: "queue", Name: "acme/vision/gpu"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestBuildSpec(t *testing.T) {
	t.Run("flags only", func(t *testing.T) {
		spec, err := buildSpec(&pushFlags{
			image:      "python:3.12",
			resource:   "local-container",
			entryPoint: "python train.py --epochs 3",
			entity:     "acme",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "python:3.12", spec.DockerImage)
		assert.Equal(t, "local-container", spec.Resource)
		assert.Equal(t, []string{"python", "train.py", "--epochs", "3"}, spec.Overrides.EntryPoint)
		assert.Equal(t, "acme", spec.Entity)
	})

	t.Run("file with flag override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"uri":"https://git.local/acme/train.git","resource":"kubernetes"}`), 0o644))

		spec, err := buildSpec(&pushFlags{specFile: path, resource: "sagemaker"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "https://git.local/acme/train.git", spec.URI)
		assert.Equal(t, "sagemaker", spec.Resource)
	})

	t.Run("stdin", func(t *testing.T) {
		spec, err := buildSpec(&pushFlags{specFile: "-"}, strings.NewReader(`{"job":"acme/vision/train:v2"}`))
		require.NoError(t, err)
		assert.Equal(t, "acme/vision/train:v2", spec.JobRef)
	})

	t.Run("no source", func(t *testing.T) {
		_, err := buildSpec(&pushFlags{resource: "local-process"}, nil)
		assert.ErrorIs(t, err, model.ErrConfiguration)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := buildSpec(&pushFlags{specFile: "-"}, strings.NewReader(`{`))
		assert.ErrorIs(t, err, model.ErrConfiguration)
	})
}
