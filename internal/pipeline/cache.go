package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nlpkit/internal/logger"
)

var ErrNoModel = errors.New("no model identifier")

// Handle is a loaded engine bound to one key. Handles are owned by the Cache
// and shared by reference.
type Handle struct {
	key      Key
	engine   Engine
	loadedAt time.Time
}

func (h *Handle) Key() Key { return h.key }

func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

func (h *Handle) Engine() Engine { return h.engine }

func (h *Handle) Run(ctx context.Context, in Input) (Output, error) {
	return h.engine.Run(ctx, in)
}

// Observer receives cache events. Implementations must be safe for
// concurrent use.
type Observer interface {
	CacheHit(key Key)
	CacheMiss(key Key)
	EngineLoaded(key Key, d time.Duration, err error)
}

type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Constructions int64 `json:"constructions"`
	LoadFailures  int64 `json:"load_failures"`
	Resident      int   `json:"resident"`
}

type Option func(*Cache)

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithDefaultModels sets the model used when Resolve is called without one.
func WithDefaultModels(defaults map[string]string) Option {
	return func(c *Cache) {
		for k, v := range defaults {
			c.defaults[k] = v
		}
	}
}

// Cache constructs at most one engine per key, even when callers race on the
// same key. Failed constructions are not cached.
type Cache struct {
	provider Provider
	log      logger.Logger
	observer Observer
	defaults map[string]string

	mu      sync.RWMutex
	handles map[Key]*Handle
	group   singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	constructions atomic.Int64
	failures      atomic.Int64
}

func NewCache(p Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: p,
		log:      logger.Default(),
		defaults: map[string]string{},
		handles:  map[Key]*Handle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "pipeline-cache")
	return c
}

func (c *Cache) Resolve(ctx context.Context, pipeline, model string) (*Handle, error) {
	if model == "" {
		model = c.defaults[pipeline]
	}
	key := Key{Pipeline: pipeline, Model: model}
	if model == "" {
		return nil, &EngineLoadError{Key: key, Err: ErrNoModel}
	}
	return c.ResolveKey(ctx, key)
}

func (c *Cache) ResolveKey(ctx context.Context, key Key) (*Handle, error) {
	if h, ok := c.lookup(key); ok {
		c.hits.Add(1)
		if c.observer != nil {
			c.observer.CacheHit(key)
		}
		return h, nil
	}
	c.misses.Add(1)
	if c.observer != nil {
		c.observer.CacheMiss(key)
	}

	// The construction must outlive any single waiter, so it runs detached
	// from the caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.flightKey(), func() (any, error) {
		return c.construct(loadCtx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) lookup(key Key) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[key]
	return h, ok
}

func (c *Cache) construct(ctx context.Context, key Key) (*Handle, error) {
	// A flight that completed between the miss and this call already stored it.
	if h, ok := c.lookup(key); ok {
		return h, nil
	}
	start := time.Now()
	engine, err := c.load(ctx, key)
	if err == nil && engine == nil {
		err = fmt.Errorf("provider returned no engine")
	}
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.EngineLoaded(key, elapsed, err)
	}
	if err != nil {
		c.failures.Add(1)
		c.log.Warn("engine construction failed", "key", key.String(), "elapsed", elapsed, "err", err)
		var loadErr *EngineLoadError
		if errors.As(err, &loadErr) {
			return nil, loadErr
		}
		return nil, &EngineLoadError{Key: key, Err: err}
	}
	c.constructions.Add(1)
	h := &Handle{key: key, engine: engine, loadedAt: time.Now()}
	c.mu.Lock()
	c.handles[key] = h
	c.mu.Unlock()
	c.log.Info("engine constructed", "key", key.String(), "elapsed", elapsed)
	return h, nil
}

// load turns a provider panic into an error. singleflight re-panics on its
// own goroutine, where no caller could recover it.
func (c *Cache) load(ctx context.Context, key Key) (engine Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return c.provider.Load(ctx, key)
}

// Warm constructs the given keys concurrently and returns the first failure.
func (c *Cache) Warm(ctx context.Context, keys ...Key) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := c.ResolveKey(gctx, key)
			return err
		})
	}
	return g.Wait()
}

func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.handles))
	for k := range c.handles {
		out = append(out, k)
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	resident := len(c.handles)
	c.mu.RUnlock()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Constructions: c.constructions.Load(),
		LoadFailures:  c.failures.Load(),
		Resident:      resident,
	}
}

// Close releases every resident engine that holds resources.
func (c *Cache) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = map[Key]*Handle{}
	c.mu.Unlock()
	var errs []error
	for _, h := range handles {
		if closer, ok := h.engine.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", h.key, err))
			}
		}
	}
	return errors.Join(errs...)
}
