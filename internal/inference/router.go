package inference

import (
	"context"
	"fmt"

	"nlpkit/internal/logger"
	"nlpkit/internal/pipeline"
)

// Router picks a provider by pipeline kind. When the routed provider
// declines a key (unsupported pipeline, model not installed) the fallback is
// tried.
type Router struct {
	routes   map[string]pipeline.Provider
	fallback pipeline.Provider
	log      logger.Logger
}

func NewRouter(fallback pipeline.Provider, log logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{routes: map[string]pipeline.Provider{}, fallback: fallback, log: log.With("provider", "router")}
}

func (r *Router) Route(p pipeline.Provider, kinds ...string) *Router {
	for _, kind := range kinds {
		r.routes[kind] = p
	}
	return r
}

func (r *Router) Load(ctx context.Context, key pipeline.Key) (pipeline.Engine, error) {
	p, ok := r.routes[key.Pipeline]
	if !ok {
		if r.fallback == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedPipeline, key.Pipeline)
		}
		return r.fallback.Load(ctx, key)
	}
	engine, err := p.Load(ctx, key)
	if err == nil || r.fallback == nil || !unavailable(err) {
		return engine, err
	}
	r.log.Info("routed provider declined key, using fallback", "key", key.String(), "reason", err)
	return r.fallback.Load(ctx, key)
}
