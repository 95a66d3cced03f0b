package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one parsed line of a run log.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	RunID   string         `json:"run_id,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects log entries. Zero fields match everything.
type Filter struct {
	Level    string
	Phase    string
	JobID    string
	Contains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadRunLog parses {runDir}/run.log. Lines that are not JSON are skipped.
func ReadRunLog(runDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(runDir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan run log: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, err
	}

	var e Entry
	if ts, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Time = t
		}
	}
	e.Level, _ = raw["level"].(string)
	e.Message, _ = raw["msg"].(string)
	e.RunID, _ = raw["run_id"].(string)
	e.Phase, _ = raw["phase"].(string)
	e.JobID, _ = raw["job_id"].(string)

	for _, k := range []string{"time", "level", "msg", "run_id", "phase", "job_id"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Attrs = raw
	}
	return e, nil
}

// Apply returns the entries matching f, preserving order.
func (f Filter) Apply(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" {
		if levelOrder[strings.ToUpper(e.Level)] < levelOrder[ParseLevel(f.Level)] {
			return false
		}
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Contains)) {
		return false
	}
	return true
}

// Format renders an entry as a single human-readable line.
func (e Entry) Format() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05.000"))
	fmt.Fprintf(&b, " %-5s ", e.Level)
	if e.Phase != "" {
		fmt.Fprintf(&b, "[%s] ", e.Phase)
	}
	b.WriteString(e.Message)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	for k, v := range e.Attrs {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}
