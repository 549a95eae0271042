package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/shared"
)

// JournalFileName is the decision journal under <home>/logs.
const JournalFileName = "decisions.jsonl"

// Decision outcomes.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DecisionEntry is one authorization decision line.
type DecisionEntry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	PersonaID     string `json:"persona_id"`
	Permission    string `json:"permission"`
	Tool          string `json:"tool,omitempty"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

// Journal appends authorization decisions to a JSONL file. A nil *Journal
// discards everything.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	now       func() time.Time
	denyCount atomic.Int64
	total     atomic.Int64
}

// OpenJournal opens (creating if needed) <home>/logs/decisions.jsonl.
func OpenJournal(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, JournalFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, now: time.Now}, nil
}

// Record appends one decision. Reasons are redacted before they are written.
func (j *Journal) Record(ctx context.Context, e DecisionEntry) error {
	if j == nil {
		return nil
	}
	j.total.Add(1)
	if e.Decision == DecisionDeny {
		j.denyCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = j.now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	_, err = j.file.Write(append(b, '\n'))
	return err
}

// DenyCount returns the number of deny decisions recorded since open.
func (j *Journal) DenyCount() int64 {
	if j == nil {
		return 0
	}
	return j.denyCount.Load()
}

// Total returns the number of decisions recorded since open.
func (j *Journal) Total() int64 {
	if j == nil {
		return 0
	}
	return j.total.Load()
}

// Close closes the underlying file. Further Records return os.ErrClosed.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
