package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen   = "127.0.0.1:8765"
	defaultAuditLog = "~/.nlpkit/audit.log"
	defaultModels   = "~/.nlpkit/models"

	BackendRemote = "remote"
	BackendONNX   = "onnx"
	BackendAuto   = "auto"
)

type Config struct {
	Listen    string            `yaml:"listen" validate:"required,hostname_port"`
	AuditLog  string            `yaml:"audit_log"`
	Log       LogConfig         `yaml:"log"`
	Dispatch  DispatchConfig    `yaml:"dispatch"`
	Models    map[string]string `yaml:"models"`
	Inference InferenceConfig   `yaml:"inference"`
	Metrics   MetricsConfig     `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error disabled"`
	JSON  bool   `yaml:"json"`
}

type DispatchConfig struct {
	// Timeout bounds each engine invocation; zero means none.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type InferenceConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=remote onnx auto"`
	Remote  RemoteConfig `yaml:"remote"`
	ONNX    ONNXConfig   `yaml:"onnx"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	HubURL  string        `yaml:"hub_url" validate:"required,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Probe   bool          `yaml:"probe"`
}

type ONNXConfig struct {
	ModelsRoot   string   `yaml:"models_root" validate:"required"`
	Runtime      string   `yaml:"runtime" validate:"omitempty,oneof=python native"`
	AutoDownload bool     `yaml:"auto_download"`
	Pipelines    []string `yaml:"pipelines" validate:"dive,oneof=sentiment-analysis text-classification ner question-answering"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		Listen:   defaultListen,
		AuditLog: defaultAuditLog,
		Log:      LogConfig{Level: "info"},
		Models:   map[string]string{},
		Inference: InferenceConfig{
			Backend: BackendRemote,
			Remote: RemoteConfig{
				BaseURL: "https://api-inference.huggingface.co",
				HubURL:  "https://huggingface.co",
				Timeout: 60 * time.Second,
				Probe:   true,
			},
			ONNX: ONNXConfig{
				ModelsRoot: defaultModels,
				Pipelines:  []string{"sentiment-analysis", "text-classification", "ner", "question-answering"},
			},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func ConfigPath() (string, error) {
	if p := os.Getenv("NLPKIT_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nlpkit", "config.yaml"), nil
}

// Load reads the config file at path (a missing file yields defaults), loads
// .env files next to it and in the working directory, applies NLPKIT_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := parseConfig(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	fillDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func EnsureConfigDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// parseConfig accepts YAML; JSON documents parse as YAML too.
func parseConfig(data []byte, cfg *Config) error {
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("NLPKIT_LISTEN", &cfg.Listen)
	str("NLPKIT_AUDIT_LOG", &cfg.AuditLog)
	str("NLPKIT_LOG_LEVEL", &cfg.Log.Level)
	str("NLPKIT_BACKEND", &cfg.Inference.Backend)
	str("NLPKIT_REMOTE_URL", &cfg.Inference.Remote.BaseURL)
	str("NLPKIT_HUB_URL", &cfg.Inference.Remote.HubURL)
	str("HF_TOKEN", &cfg.Inference.Remote.Token)
	str("NLPKIT_HF_TOKEN", &cfg.Inference.Remote.Token)
	str("NLPKIT_MODELS_ROOT", &cfg.Inference.ONNX.ModelsRoot)
	str("NLPKIT_ONNX_BACKEND", &cfg.Inference.ONNX.Runtime)

	return errors.Join(
		boolean("NLPKIT_LOG_JSON", &cfg.Log.JSON),
		boolean("NLPKIT_REMOTE_PROBE", &cfg.Inference.Remote.Probe),
		boolean("NLPKIT_AUTO_DOWNLOAD", &cfg.Inference.ONNX.AutoDownload),
		boolean("NLPKIT_METRICS", &cfg.Metrics.Enabled),
		duration("NLPKIT_DISPATCH_TIMEOUT", &cfg.Dispatch.Timeout),
		duration("NLPKIT_REMOTE_TIMEOUT", &cfg.Inference.Remote.Timeout),
	)
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = def.AuditLog
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Inference.Backend == "" {
		cfg.Inference.Backend = def.Inference.Backend
	}
	cfg.Inference.Backend = strings.ToLower(cfg.Inference.Backend)
	cfg.Inference.ONNX.Runtime = strings.ToLower(cfg.Inference.ONNX.Runtime)
	if cfg.Inference.ONNX.ModelsRoot == "" {
		cfg.Inference.ONNX.ModelsRoot = def.Inference.ONNX.ModelsRoot
	}
	if cfg.Models == nil {
		cfg.Models = map[string]string{}
	}
	cfg.AuditLog = expandHome(cfg.AuditLog)
	cfg.Inference.ONNX.ModelsRoot = expandHome(cfg.Inference.ONNX.ModelsRoot)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
