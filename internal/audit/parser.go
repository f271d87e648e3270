package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ParseFile reads a JSONL audit log. A missing file yields no entries.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes one entry per line. Blank and malformed lines are skipped so
// a torn final write does not hide the rest of the log.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for s.Scan() {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// Filter keeps entries for task (any task when empty) recorded at or after
// since (no bound when zero). Entries with unparsable timestamps only pass an
// unbounded filter.
func Filter(entries []Entry, task string, since time.Time) []Entry {
	if task == "" && since.IsZero() {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if task != "" && !strings.EqualFold(e.Task, task) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
