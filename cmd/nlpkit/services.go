package main

import (
	"fmt"

	"nlpkit/internal/audit"
	"nlpkit/internal/config"
	"nlpkit/internal/dispatch"
	"nlpkit/internal/inference"
	"nlpkit/internal/logger"
	"nlpkit/internal/metrics"
	"nlpkit/internal/pipeline"
	"nlpkit/internal/tasks"
)

type services struct {
	catalog    *tasks.Catalog
	cache      *pipeline.Cache
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
}

func (s *services) Close() error { return s.cache.Close() }

func buildServices(cfg config.Config, log logger.Logger) (*services, error) {
	catalog, err := tasks.LoadEmbeddedCatalog()
	if err != nil {
		return nil, err
	}
	if len(cfg.Models) > 0 {
		if catalog, err = catalog.WithModelOverrides(cfg.Models); err != nil {
			return nil, err
		}
	}
	provider, err := buildProvider(cfg, log)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewJSONLLogger(cfg.AuditLog)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	cacheOpts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithDefaultModels(catalog.DefaultModels()),
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithAudit(auditLog),
		dispatch.WithLogger(log),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
	}
	if cfg.Metrics.Enabled {
		cacheOpts = append(cacheOpts, pipeline.WithObserver(m))
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(m))
	}
	cache := pipeline.NewCache(provider, cacheOpts...)
	return &services{
		catalog:    catalog,
		cache:      cache,
		metrics:    m,
		dispatcher: dispatch.New(catalog, cache, dispatchOpts...),
	}, nil
}

// buildProvider selects the engine provider for the configured backend. The
// auto backend prefers local bundles and falls back to the remote API.
func buildProvider(cfg config.Config, log logger.Logger) (pipeline.Provider, error) {
	inf := cfg.Inference
	remote := func() pipeline.Provider {
		return inference.NewRemote(inference.RemoteConfig{
			BaseURL: inf.Remote.BaseURL,
			HubURL:  inf.Remote.HubURL,
			Token:   inf.Remote.Token,
			Timeout: inf.Remote.Timeout,
			Probe:   inf.Remote.Probe,
		}, log)
	}
	local := func() (pipeline.Provider, error) {
		return inference.NewONNX(inference.ONNXConfig{
			ModelsRoot:   inf.ONNX.ModelsRoot,
			Runtime:      inf.ONNX.Runtime,
			AutoDownload: inf.ONNX.AutoDownload,
		}, log)
	}
	kinds := inf.ONNX.Pipelines
	if len(kinds) == 0 {
		kinds = inference.ONNXPipelines
	}

	switch inf.Backend {
	case config.BackendRemote:
		return remote(), nil
	case config.BackendONNX:
		o, err := local()
		if err != nil {
			return nil, err
		}
		return inference.NewRouter(nil, log).Route(o, kinds...), nil
	case config.BackendAuto:
		o, err := local()
		if err != nil {
			return nil, err
		}
		return inference.NewRouter(remote(), log).Route(o, kinds...), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", inf.Backend)
	}
}
