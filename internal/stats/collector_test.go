package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlpkit/internal/audit"
)

func TestCollectFromEntriesEmpty(t *testing.T) {
	st := CollectFromEntries(nil, Options{Now: time.Now(), Status: "stopped"})
	assert.Equal(t, 0, st.Requests.Total)
	assert.Equal(t, 0, st.Outcomes.OK)
	assert.Len(t, st.Requests.Last5Minute, 5)
}

func TestCollectFromEntriesLarge(t *testing.T) {
	now := time.Now().UTC()
	entries := make([]audit.Entry, 0, 1200)
	for i := 0; i < 1200; i++ {
		status := "ok"
		kind := ""
		if i%10 == 0 {
			status = "validation_error"
			kind = "validation"
		}
		entries = append(entries, audit.Entry{
			Timestamp: now.Add(-time.Duration(i%8) * time.Minute).Format(time.RFC3339Nano),
			RequestID: fmt.Sprintf("req-%d", i),
			Task:      []string{"sentiment", "ner", "translation"}[i%3],
			Model:     fmt.Sprintf("model-%d", i%7),
			Status:    status,
			ErrorKind: kind,
			TotalMs:   100,
		})
	}
	st := CollectFromEntries(entries, Options{Now: now, Status: "running"})

	require.Equal(t, 1200, st.Requests.Total)
	assert.Equal(t, 120, st.Outcomes.ValidationError)
	assert.Equal(t, 1080, st.Outcomes.OK)
	assert.Equal(t, 120, st.Outcomes.ByErrorKind["validation"])
	assert.Len(t, st.TopModels, 5)
	assert.Len(t, st.Tasks, 3)
	assert.Equal(t, 400, st.Tasks[0].Requests)
	assert.InDelta(t, 100.0, st.Latency.TotalMs, 0.001)
	assert.Len(t, st.Recent, 20)
	assert.Equal(t, "req-1199", st.Recent[0].RequestID)
}
