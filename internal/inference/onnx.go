package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"nlpkit/internal/logger"
	"nlpkit/internal/models"
	"nlpkit/internal/pipeline"
)

type ONNXConfig struct {
	ModelsRoot string
	// Runtime is "python" or "native"; empty picks the build default.
	Runtime      string
	AutoDownload bool
}

type SessionOpener func(runtime, modelPath string) (Session, error)

type ONNXOption func(*ONNX)

func WithRegistry(reg models.Registry) ONNXOption {
	return func(o *ONNX) { o.registry = reg }
}

func WithDownloader(d *models.Downloader) ONNXOption {
	return func(o *ONNX) { o.downloader = d }
}

func WithSessionOpener(open SessionOpener) ONNXOption {
	return func(o *ONNX) { o.open = open }
}

// ONNX constructs engines from locally installed model bundles. It serves
// the encoder-only pipelines; generation pipelines are left to the remote
// provider.
type ONNX struct {
	cfg        ONNXConfig
	registry   models.Registry
	downloader *models.Downloader
	open       SessionOpener
	log        logger.Logger
}

// ONNXPipelines lists the pipeline kinds a local bundle can serve.
var ONNXPipelines = []string{
	pipeline.KindSentiment,
	pipeline.KindClassification,
	pipeline.KindNER,
	pipeline.KindQA,
}

func NewONNX(cfg ONNXConfig, log logger.Logger, opts ...ONNXOption) (*ONNX, error) {
	if cfg.ModelsRoot == "" {
		root, err := models.DefaultModelsRoot()
		if err != nil {
			return nil, err
		}
		cfg.ModelsRoot = root
	}
	if log == nil {
		log = logger.Default()
	}
	o := &ONNX{cfg: cfg, open: OpenSession, log: log.With("provider", "onnx")}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry.Models == nil {
		reg, err := models.LoadEmbeddedRegistry()
		if err != nil {
			return nil, err
		}
		o.registry = reg
	}
	if o.downloader == nil {
		// A failed construction is retried by the next Resolve.
		o.downloader = models.NewDownloader()
		o.downloader.Retries = 0
	}
	return o, nil
}

func (o *ONNX) Load(ctx context.Context, key pipeline.Key) (pipeline.Engine, error) {
	if !slices.Contains(ONNXPipelines, key.Pipeline) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPipeline, key.Pipeline)
	}
	spec, ok := o.registry.FindFor(key.Model, key.Pipeline)
	if !ok {
		return nil, fmt.Errorf("%w: no local bundle for %s", ErrModelNotInstalled, key)
	}
	if !models.IsInstalled(o.cfg.ModelsRoot, spec) {
		if !o.cfg.AutoDownload {
			return nil, fmt.Errorf("%w: %s (run: nlpkit model download %s)", ErrModelNotInstalled, spec.Name, spec.Name)
		}
		o.log.Info("downloading model bundle", "model", spec.Name, "root", o.cfg.ModelsRoot)
		if err := o.downloader.DownloadAndInstall(ctx, spec, o.cfg.ModelsRoot, nil); err != nil {
			return nil, fmt.Errorf("download %s: %w", spec.Name, err)
		}
	}

	dir := models.ModelInstallPath(o.cfg.ModelsRoot, spec.Name)
	tok, err := NewWordPieceTokenizer(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	var labels map[int]string
	if key.Pipeline != pipeline.KindQA {
		if labels, err = models.Labels(dir); err != nil {
			return nil, fmt.Errorf("load labels: %w", err)
		}
	}
	session, err := o.open(o.cfg.Runtime, filepath.Join(dir, "model.onnx"))
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	base := onnxEngine{tokenizer: tok, session: session, labels: labels}
	o.log.Debug("onnx engine ready", "key", key.String(), "dir", dir)

	switch key.Pipeline {
	case pipeline.KindNER:
		return &nerEngine{base}, nil
	case pipeline.KindQA:
		return &qaEngine{onnxEngine: base, maxAnswerTokens: 30}, nil
	default:
		return &labelEngine{base}, nil
	}
}
