package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlpkit/internal/pipeline"
)

func TestMetricsObserver(t *testing.T) {
	m := New()
	key := pipeline.Key{Pipeline: pipeline.KindTranslation, Model: "Helsinki-NLP/opus-mt-en-fr"}

	m.CacheMiss(key)
	m.EngineLoaded(key, 120*time.Millisecond, nil)
	m.CacheHit(key)
	m.CacheHit(key)
	m.EngineLoaded(key, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("translation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("translation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineLoads.WithLabelValues("translation", key.Model, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineLoads.WithLabelValues("translation", key.Model, "error")))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.Dispatched("sentiment", "ok", 30*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nlpkit_dispatch_requests_total{status="ok",task="sentiment"} 1`)
	assert.Contains(t, string(body), "nlpkit_dispatch_duration_seconds_bucket")
}
