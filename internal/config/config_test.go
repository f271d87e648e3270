package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NLPKIT_LISTEN", "NLPKIT_AUDIT_LOG", "NLPKIT_LOG_LEVEL", "NLPKIT_BACKEND",
		"NLPKIT_REMOTE_URL", "NLPKIT_HUB_URL", "HF_TOKEN", "NLPKIT_HF_TOKEN",
		"NLPKIT_MODELS_ROOT", "NLPKIT_ONNX_BACKEND", "NLPKIT_LOG_JSON", "NLPKIT_REMOTE_PROBE",
		"NLPKIT_AUTO_DOWNLOAD", "NLPKIT_METRICS", "NLPKIT_DISPATCH_TIMEOUT", "NLPKIT_REMOTE_TIMEOUT",
	} {
		k := k
		if v, ok := os.LookupEnv(k); ok {
			require.NoError(t, os.Unsetenv(k))
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendRemote, cfg.Inference.Backend)
	assert.Equal(t, 60*time.Second, cfg.Inference.Remote.Timeout)
	assert.Zero(t, cfg.Dispatch.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NotContains(t, cfg.Inference.ONNX.ModelsRoot, "~")
	assert.NotNil(t, cfg.Models)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
listen: 127.0.0.1:9000
log:
  level: DEBUG
  json: true
dispatch:
  timeout: 5s
models:
  summarization: sshleifer/distilbart-cnn-12-6
inference:
  backend: auto
  remote:
    base_url: http://localhost:8080
    hub_url: http://localhost:8081
    probe: false
  onnx:
    models_root: /tmp/nlpkit-models
    runtime: python
    auto_download: true
    pipelines: [ner, question-answering]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "sshleifer/distilbart-cnn-12-6", cfg.Models["summarization"])
	assert.Equal(t, BackendAuto, cfg.Inference.Backend)
	assert.Equal(t, "http://localhost:8080", cfg.Inference.Remote.BaseURL)
	assert.False(t, cfg.Inference.Remote.Probe)
	assert.Equal(t, 60*time.Second, cfg.Inference.Remote.Timeout, "unset keys keep defaults")
	assert.Equal(t, "/tmp/nlpkit-models", cfg.Inference.ONNX.ModelsRoot)
	assert.True(t, cfg.Inference.ONNX.AutoDownload)
	assert.Equal(t, []string{"ner", "question-answering"}, cfg.Inference.ONNX.Pipelines)
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"listen": "127.0.0.1:9001", "inference": {"backend": "onnx"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.Listen)
	assert.Equal(t, BackendONNX, cfg.Inference.Backend)
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "  \n"))
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "listen: 127.0.0.1:9000\n")
	t.Setenv("NLPKIT_LISTEN", "0.0.0.0:7000")
	t.Setenv("NLPKIT_BACKEND", "ONNX")
	t.Setenv("NLPKIT_DISPATCH_TIMEOUT", "250ms")
	t.Setenv("NLPKIT_AUTO_DOWNLOAD", "true")
	t.Setenv("NLPKIT_HF_TOKEN", "hf_secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Listen)
	assert.Equal(t, BackendONNX, cfg.Inference.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.Timeout)
	assert.True(t, cfg.Inference.ONNX.AutoDownload)
	assert.Equal(t, "hf_secret", cfg.Inference.Remote.Token)
}

func TestEnvOverrideInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("NLPKIT_METRICS", "maybe")
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NLPKIT_METRICS")
}

func TestDotEnvNextToConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("NLPKIT_LOG_LEVEL=warn\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("NLPKIT_LOG_LEVEL") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"backend", "inference:\n  backend: gpu\n", "Backend"},
		{"listen", "listen: nowhere\n", "Listen"},
		{"runtime", "inference:\n  onnx:\n    runtime: cuda\n", "Runtime"},
		{"pipelines", "inference:\n  onnx:\n    pipelines: [summarization]\n", "Pipelines"},
		{"log level", "log:\n  level: loud\n", "Level"},
		{"negative timeout", "dispatch:\n  timeout: -1s\n", "Timeout"},
		{"syntax", "listen: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")
	require.NoError(t, EnsureConfigDir(path))
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), expandHome("~/x/y"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
}

func TestConfigPathEnv(t *testing.T) {
	t.Setenv("NLPKIT_CONFIG", "/etc/nlpkit.yaml")
	p, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/nlpkit.yaml", p)
}
