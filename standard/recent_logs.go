// Package standard provides the status components every node exposes:
// recent logs, peer connectivity and node info.
package standard

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// RecentLogs is a logrus hook keeping the last entries in a ring buffer.
type RecentLogs struct {
	mu          sync.Mutex
	entries     []LogEntry
	maxEntries  int
	triggerFunc func() // called on error and warning entries
}

// NewRecentLogs creates a new RecentLogs tracker.
func NewRecentLogs(maxEntries int) *RecentLogs {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &RecentLogs{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// SetTriggerFunc sets the function to call on Error/Warn entries.
func (r *RecentLogs) SetTriggerFunc(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggerFunc = fn
}

// Levels implements logrus.Hook.
func (r *RecentLogs) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
		logrus.DebugLevel,
	}
}

// Fire implements logrus.Hook.
func (r *RecentLogs) Fire(e *logrus.Entry) error {
	ctx := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		// errors marshal to {} otherwise.
		if err, ok := v.(error); ok {
			v = err.Error()
		} else if s, ok := v.(fmt.Stringer); ok {
			v = s.String()
		}
		ctx[k] = v
	}

	r.mu.Lock()
	r.entries = append(r.entries, LogEntry{
		Timestamp: e.Time.UTC(),
		Level:     e.Level.String(),
		Message:   e.Message,
		Context:   ctx,
	})
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	trigger := r.triggerFunc
	r.mu.Unlock()

	if trigger != nil && e.Level <= logrus.WarnLevel {
		trigger()
	}
	return nil
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *RecentLogs) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

// GetData returns log data for the control plane.
func (r *RecentLogs) GetData() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{}
	for _, entry := range r.entries {
		counts[entry.Level]++
	}

	return map[string]interface{}{
		"entries": append([]LogEntry(nil), r.entries...),
		"stats": map[string]interface{}{
			"total_count":    len(r.entries),
			"errors_count":   counts["error"] + counts["fatal"] + counts["panic"],
			"warnings_count": counts["warning"],
			"info_count":     counts["info"],
			"debug_count":    counts["debug"],
			"max_entries":    r.maxEntries,
		},
	}
}
