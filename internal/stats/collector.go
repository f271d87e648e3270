package stats

import (
	"sort"
	"strings"
	"time"

	"nlpkit/internal/audit"
	"nlpkit/internal/pipeline"
)

type Stats struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Listen        string          `json:"listen,omitempty"`
	Requests      RequestStats    `json:"requests"`
	Outcomes      OutcomeStats    `json:"outcomes"`
	Latency       LatencyStats    `json:"latency"`
	Tasks         []TaskStats     `json:"tasks"`
	TopModels     []ModelStats    `json:"top_models"`
	Cache         *pipeline.Stats `json:"cache,omitempty"`
	Recent        []RecentRequest `json:"recent,omitempty"`
}

type RequestStats struct {
	Total       int     `json:"total"`
	PerMinute   float64 `json:"per_minute"`
	Last5Minute []int   `json:"last_5_minute"`
}

type OutcomeStats struct {
	OK              int            `json:"ok"`
	ValidationError int            `json:"validation_error"`
	EngineError     int            `json:"engine_error"`
	ByErrorKind     map[string]int `json:"by_error_kind"`
}

type LatencyStats struct {
	ResolveMs float64 `json:"resolve_ms"`
	InvokeMs  float64 `json:"invoke_ms"`
	TotalMs   float64 `json:"total_ms"`
}

type TaskStats struct {
	Task     string  `json:"task"`
	Requests int     `json:"requests"`
	Failed   int     `json:"failed"`
	AvgMs    float64 `json:"avg_ms"`
}

type ModelStats struct {
	Model    string `json:"model"`
	Requests int    `json:"requests"`
}

type RecentRequest struct {
	Timestamp string  `json:"timestamp"`
	RequestID string  `json:"request_id"`
	Task      string  `json:"task"`
	Model     string  `json:"model,omitempty"`
	Status    string  `json:"status"`
	ErrorKind string  `json:"error_kind,omitempty"`
	CacheHit  bool    `json:"cache_hit"`
	TotalMs   float64 `json:"total_ms"`
}

type Options struct {
	Now     time.Time
	Status  string
	Uptime  time.Duration
	Listen  string
	TopN    int
	RecentN int
	Cache   *pipeline.Stats
}

func CollectFromEntries(entries []audit.Entry, opts Options) Stats {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 5
	}
	recentN := opts.RecentN
	if recentN <= 0 {
		recentN = 20
	}

	out := Stats{
		Status:        opts.Status,
		UptimeSeconds: int64(opts.Uptime.Seconds()),
		Listen:        opts.Listen,
		Requests:      RequestStats{Last5Minute: make([]int, 5)},
		Outcomes:      OutcomeStats{ByErrorKind: map[string]int{}},
		Cache:         opts.Cache,
	}
	if out.Status == "" {
		out.Status = "stopped"
	}

	type taskAcc struct {
		requests int
		failed   int
		totalMs  float64
	}
	tasks := map[string]*taskAcc{}
	models := map[string]int{}
	var resolveSum, invokeSum, totalSum float64
	var resolveCount, invokeCount, totalCount int
	recent := make([]RecentRequest, 0, len(entries))

	for _, e := range entries {
		out.Requests.Total++
		task := strings.TrimSpace(e.Task)
		acc, ok := tasks[task]
		if !ok {
			acc = &taskAcc{}
			tasks[task] = acc
		}
		acc.requests++
		acc.totalMs += e.TotalMs

		switch e.Status {
		case "ok":
			out.Outcomes.OK++
		case "validation_error":
			out.Outcomes.ValidationError++
			acc.failed++
		default:
			out.Outcomes.EngineError++
			acc.failed++
		}
		if e.ErrorKind != "" {
			out.Outcomes.ByErrorKind[e.ErrorKind]++
		}
		if m := strings.TrimSpace(e.Model); m != "" {
			models[m]++
		}

		if e.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
				delta := now.Sub(ts)
				if delta >= 0 && delta < 5*time.Minute {
					idx := int(delta / time.Minute)
					out.Requests.Last5Minute[4-idx]++
				}
			}
		}

		if e.ResolveMs > 0 {
			resolveSum += e.ResolveMs
			resolveCount++
		}
		if e.InvokeMs > 0 {
			invokeSum += e.InvokeMs
			invokeCount++
		}
		if e.TotalMs > 0 {
			totalSum += e.TotalMs
			totalCount++
		}

		recent = append(recent, RecentRequest{
			Timestamp: e.Timestamp,
			RequestID: e.RequestID,
			Task:      task,
			Model:     e.Model,
			Status:    e.Status,
			ErrorKind: e.ErrorKind,
			CacheHit:  e.CacheHit,
			TotalMs:   e.TotalMs,
		})
	}

	sum5 := 0
	for _, n := range out.Requests.Last5Minute {
		sum5 += n
	}
	out.Requests.PerMinute = float64(sum5) / 5

	if resolveCount > 0 {
		out.Latency.ResolveMs = resolveSum / float64(resolveCount)
	}
	if invokeCount > 0 {
		out.Latency.InvokeMs = invokeSum / float64(invokeCount)
	}
	if totalCount > 0 {
		out.Latency.TotalMs = totalSum / float64(totalCount)
	}

	for name, acc := range tasks {
		ts := TaskStats{Task: name, Requests: acc.requests, Failed: acc.failed}
		if acc.requests > 0 {
			ts.AvgMs = acc.totalMs / float64(acc.requests)
		}
		out.Tasks = append(out.Tasks, ts)
	}
	sort.Slice(out.Tasks, func(i, j int) bool {
		if out.Tasks[i].Requests == out.Tasks[j].Requests {
			return out.Tasks[i].Task < out.Tasks[j].Task
		}
		return out.Tasks[i].Requests > out.Tasks[j].Requests
	})

	for m, c := range models {
		out.TopModels = append(out.TopModels, ModelStats{Model: m, Requests: c})
	}
	sort.Slice(out.TopModels, func(i, j int) bool {
		if out.TopModels[i].Requests == out.TopModels[j].Requests {
			return out.TopModels[i].Model < out.TopModels[j].Model
		}
		return out.TopModels[i].Requests > out.TopModels[j].Requests
	})
	if len(out.TopModels) > topN {
		out.TopModels = out.TopModels[:topN]
	}

	for i := len(recent) - 1; i >= 0 && len(out.Recent) < recentN; i-- {
		out.Recent = append(out.Recent, recent[i])
	}
	return out
}
