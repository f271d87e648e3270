package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlpkit/internal/logger"
)

type countingProvider struct {
	calls   atomic.Int32
	delay   time.Duration
	failFor atomic.Int32
	release chan struct{}
}

func (p *countingProvider) Load(ctx context.Context, key Key) (Engine, error) {
	p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failFor.Load() > 0 {
		p.failFor.Add(-1)
		return nil, errors.New("cold download timed out")
	}
	return &echoEngine{key: key}, nil
}

type echoEngine struct {
	key    Key
	closed bool
}

func (e *echoEngine) Run(_ context.Context, in Input) (Output, error) {
	return Output{Text: e.key.Model + ":" + in.Text}, nil
}

func (e *echoEngine) Close() error {
	e.closed = true
	return nil
}

func newTestCache(p Provider, opts ...Option) *Cache {
	return NewCache(p, append([]Option{WithLogger(logger.Nop())}, opts...)...)
}

func TestCacheResolve(t *testing.T) {
	t.Run("Should construct once across sequential resolves", func(t *testing.T) {
		p := &countingProvider{}
		c := newTestCache(p)
		first, err := c.Resolve(context.Background(), KindTranslation, "Helsinki-NLP/opus-mt-en-fr")
		require.NoError(t, err)
		for i := 0; i < 9; i++ {
			h, err := c.Resolve(context.Background(), KindTranslation, "Helsinki-NLP/opus-mt-en-fr")
			require.NoError(t, err)
			assert.Same(t, first, h)
		}
		assert.Equal(t, int32(1), p.calls.Load())
		st := c.Stats()
		assert.Equal(t, int64(9), st.Hits)
		assert.Equal(t, int64(1), st.Constructions)
		assert.Equal(t, 1, st.Resident)
		assert.Equal(t, Key{Pipeline: "translation", Model: "Helsinki-NLP/opus-mt-en-fr"}, first.Key())
	})

	t.Run("Should keep distinct keys apart", func(t *testing.T) {
		p := &countingProvider{}
		c := newTestCache(p)
		a, err := c.Resolve(context.Background(), KindTranslation, "Helsinki-NLP/opus-mt-en-fr")
		require.NoError(t, err)
		b, err := c.Resolve(context.Background(), KindTranslation, "Helsinki-NLP/opus-mt-en-de")
		require.NoError(t, err)
		assert.NotSame(t, a, b)
		assert.Equal(t, int32(2), p.calls.Load())
	})

	t.Run("Should use the registered default model", func(t *testing.T) {
		p := &countingProvider{}
		c := newTestCache(p, WithDefaultModels(map[string]string{KindNER: "dslim/bert-base-NER"}))
		h, err := c.Resolve(context.Background(), KindNER, "")
		require.NoError(t, err)
		assert.Equal(t, "dslim/bert-base-NER", h.Key().Model)
	})

	t.Run("Should fail without any model", func(t *testing.T) {
		c := newTestCache(&countingProvider{})
		_, err := c.Resolve(context.Background(), KindSummarization, "")
		var loadErr *EngineLoadError
		require.True(t, errors.As(err, &loadErr))
		assert.ErrorIs(t, err, ErrNoModel)
	})
}

func TestCacheConcurrentResolve(t *testing.T) {
	t.Run("Should construct exactly once for K concurrent callers", func(t *testing.T) {
		const k = 64
		p := &countingProvider{release: make(chan struct{})}
		c := newTestCache(p)

		var wg sync.WaitGroup
		handles := make([]*Handle, k)
		errs := make([]error, k)
		start := make(chan struct{})
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				handles[i], errs[i] = c.Resolve(context.Background(), KindQA, "distilbert/distilbert-base-cased-distilled-squad")
			}(i)
		}
		close(start)
		time.Sleep(20 * time.Millisecond)
		close(p.release)
		wg.Wait()

		assert.Equal(t, int32(1), p.calls.Load())
		for i := 0; i < k; i++ {
			require.NoError(t, errs[i])
			assert.Same(t, handles[0], handles[i])
		}
	})

	t.Run("Should share one failure among concurrent waiters", func(t *testing.T) {
		const k = 16
		p := &countingProvider{release: make(chan struct{})}
		p.failFor.Store(1)
		c := newTestCache(p)

		var wg sync.WaitGroup
		errs := make([]error, k)
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.Resolve(context.Background(), KindNER, "m")
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		close(p.release)
		wg.Wait()

		assert.Equal(t, int32(1), p.calls.Load())
		for _, err := range errs {
			var loadErr *EngineLoadError
			require.True(t, errors.As(err, &loadErr))
			assert.Equal(t, Key{Pipeline: KindNER, Model: "m"}, loadErr.Key)
		}
	})
}

func TestCacheLoadFailure(t *testing.T) {
	t.Run("Should retry construction after a failure", func(t *testing.T) {
		p := &countingProvider{}
		p.failFor.Store(1)
		c := newTestCache(p)

		_, err := c.Resolve(context.Background(), KindSummarization, "sshleifer/distilbart-cnn-12-6")
		var loadErr *EngineLoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Equal(t, "sshleifer/distilbart-cnn-12-6", loadErr.Key.Model)
		assert.Empty(t, c.Keys())

		h, err := c.Resolve(context.Background(), KindSummarization, "sshleifer/distilbart-cnn-12-6")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, int32(2), p.calls.Load())
		assert.Equal(t, int64(1), c.Stats().LoadFailures)
	})

	t.Run("Should reject a nil engine", func(t *testing.T) {
		c := newTestCache(ProviderFunc(func(context.Context, Key) (Engine, error) { return nil, nil }))
		_, err := c.Resolve(context.Background(), KindNER, "m")
		assert.Error(t, err)
		assert.Empty(t, c.Keys())
	})
}

func TestCacheProviderPanic(t *testing.T) {
	t.Run("Should report a panicking provider as a load failure", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestCache(ProviderFunc(func(_ context.Context, key Key) (Engine, error) {
			if calls.Add(1) == 1 {
				panic("tokenizer file truncated")
			}
			return &echoEngine{key: key}, nil
		}))

		_, err := c.Resolve(context.Background(), KindSentiment, "m")
		var loadErr *EngineLoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Contains(t, err.Error(), "provider panicked: tokenizer file truncated")
		assert.Empty(t, c.Keys())
		assert.Equal(t, int64(1), c.Stats().LoadFailures)

		h, err := c.Resolve(context.Background(), KindSentiment, "m")
		require.NoError(t, err)
		require.NotNil(t, h)
	})
}

func TestCacheKeysWithSeparatorsInModels(t *testing.T) {
	t.Run("Should not share a flight between keys with the same display form", func(t *testing.T) {
		p := &countingProvider{release: make(chan struct{})}
		c := newTestCache(p)
		a := Key{Pipeline: "ner, x", Model: "y"}
		b := Key{Pipeline: "ner", Model: "x, y"}
		require.Equal(t, a.String(), b.String())

		handles := make(chan *Handle, 2)
		resolve := func(k Key) {
			h, err := c.ResolveKey(context.Background(), k)
			assert.NoError(t, err)
			handles <- h
		}
		go resolve(a)
		require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
		go resolve(b)
		require.Eventually(t, func() bool { return p.calls.Load() == 2 }, time.Second, time.Millisecond)
		close(p.release)

		got := map[Key]bool{}
		for i := 0; i < 2; i++ {
			h := <-handles
			require.NotNil(t, h)
			got[h.Key()] = true
		}
		assert.True(t, got[a] && got[b])
	})
}

func TestCacheWaiterCancellation(t *testing.T) {
	t.Run("Should stop waiting without aborting the construction", func(t *testing.T) {
		p := &countingProvider{release: make(chan struct{})}
		c := newTestCache(p)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := c.Resolve(ctx, KindNER, "m")
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		close(p.release)
		h, err := c.Resolve(context.Background(), KindNER, "m")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, int32(1), p.calls.Load())
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	hits   int
	misses int
	loads  int
}

func (o *recordingObserver) CacheHit(Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits++
}

func (o *recordingObserver) CacheMiss(Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses++
}

func (o *recordingObserver) EngineLoaded(Key, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loads++
}

func TestCacheObserverWarmAndClose(t *testing.T) {
	obs := &recordingObserver{}
	p := &countingProvider{}
	c := newTestCache(p, WithObserver(obs))

	keys := []Key{
		{Pipeline: KindNER, Model: "a"},
		{Pipeline: KindQA, Model: "b"},
		{Pipeline: KindNER, Model: "a"},
	}
	require.NoError(t, c.Warm(context.Background(), keys...))
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Len(t, c.Keys(), 2)

	_, err := c.ResolveKey(context.Background(), keys[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, obs.hits, 1)
	assert.Equal(t, 2, obs.loads)

	h, _ := c.ResolveKey(context.Background(), keys[1])
	engine := h.Engine().(*echoEngine)
	require.NoError(t, c.Close())
	assert.True(t, engine.closed)
	assert.Empty(t, c.Keys())
}
