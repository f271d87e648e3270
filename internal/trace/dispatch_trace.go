package trace

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"nlpkit/internal/logger"
)

type contextKey struct{}

// DispatchTrace records the phase timings of one dispatched request.
type DispatchTrace struct {
	ID   string
	Task string

	Start time.Time

	ResolveStart time.Time
	ResolveEnd   time.Time

	InvokeStart time.Time
	InvokeEnd   time.Time

	CacheHit bool
	Sampled  bool

	logOnce sync.Once
}

// SampleRate is the fraction of traces logged by LogAt.
var SampleRate = 0.1

func New(task string) *DispatchTrace {
	return &DispatchTrace{
		ID:      uuid.NewString(),
		Task:    task,
		Start:   time.Now(),
		Sampled: rand.Float64() < SampleRate,
	}
}

func WithContext(ctx context.Context, tr *DispatchTrace) context.Context {
	if tr == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, tr)
}

func FromContext(ctx context.Context) (*DispatchTrace, bool) {
	if ctx == nil {
		return nil, false
	}
	tr, ok := ctx.Value(contextKey{}).(*DispatchTrace)
	return tr, ok
}

func (t *DispatchTrace) Resolve() time.Duration {
	return durationBetween(t.ResolveStart, t.ResolveEnd)
}

func (t *DispatchTrace) Invoke() time.Duration {
	return durationBetween(t.InvokeStart, t.InvokeEnd)
}

func (t *DispatchTrace) Total(end time.Time) time.Duration {
	return durationBetween(t.Start, end)
}

// LogAt writes the trace once, and only when it was sampled.
func (t *DispatchTrace) LogAt(log logger.Logger, end time.Time, status string) {
	if t == nil || !t.Sampled {
		return
	}
	t.logOnce.Do(func() {
		log.Debug("dispatch trace",
			"trace", t.ID,
			"task", t.Task,
			"status", status,
			"total", t.Total(end),
			"resolve", t.Resolve(),
			"invoke", t.Invoke(),
			"cache_hit", t.CacheHit,
		)
	})
}

func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func durationBetween(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
