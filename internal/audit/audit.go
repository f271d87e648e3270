package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one dispatched request. Input text is never stored, only its
// size.
type Entry struct {
	Timestamp  string  `json:"timestamp"`
	RequestID  string  `json:"request_id"`
	Task       string  `json:"task"`
	Variant    string  `json:"variant,omitempty"`
	Pipeline   string  `json:"pipeline,omitempty"`
	Model      string  `json:"model,omitempty"`
	Status     string  `json:"status"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	InputBytes int     `json:"input_bytes"`
	CacheHit   bool    `json:"cache_hit,omitempty"`
	ResolveMs  float64 `json:"resolve_ms,omitempty"`
	InvokeMs   float64 `json:"invoke_ms,omitempty"`
	TotalMs    float64 `json:"total_ms"`
}

type Logger interface {
	Log(entry Entry) error
}

type Discard struct{}

func (Discard) Log(Entry) error { return nil }

type JSONLLogger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewJSONLLogger(path string) (*JSONLLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	_ = f.Close()
	return &JSONLLogger{path: path, now: time.Now}, nil
}

func (l *JSONLLogger) Path() string { return l.path }

func (l *JSONLLogger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
