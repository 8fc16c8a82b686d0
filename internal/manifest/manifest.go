// Package manifest persists the run manifest: the authoritative record of
// every task's state, attempt count, and job handle history. The manifest is
// the only mutable shared state of a run; all writes funnel through the Store,
// which rewrites the file atomically (write-temp-then-rename) after every
// change so a crash never leaves a truncated manifest behind.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the lifecycle state of a task instance.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
)

// Terminal reports whether the state is final for the run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Failure reasons recorded alongside StateFailed.
const (
	ReasonExit      = "exit"      // nonzero exit code
	ReasonSkipped   = "skipped"   // upstream dependency failed
	ReasonRejected  = "rejected"  // scheduler permanently rejected the submission
	ReasonExhausted = "exhausted" // attempts exhausted
	ReasonCancelled = "cancelled" // run-level cancellation
)

// HandleRecord is one scheduler submission of a task. Superseded handles are
// kept for audit; the last entry is the most recent.
type HandleRecord struct {
	JobID       string    `json:"job_id"`
	Attempt     int       `json:"attempt"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TaskRecord is the persisted state of one task.
type TaskRecord struct {
	Name     string         `json:"name"`
	State    State          `json:"state"`
	Attempts int            `json:"attempts"`
	Optional bool           `json:"optional,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
	Handles  []HandleRecord `json:"handles,omitempty"`
}

// LastHandle returns the most recent handle record, or nil if the task was
// never submitted.
func (r *TaskRecord) LastHandle() *HandleRecord {
	if len(r.Handles) == 0 {
		return nil
	}
	return &r.Handles[len(r.Handles)-1]
}

// document is the on-disk shape of the manifest file.
type document struct {
	Version int                    `json:"version"`
	Tasks   map[string]*TaskRecord `json:"tasks"`
}

const documentVersion = 1

// CorruptError indicates an existing manifest file could not be decoded. It
// is fatal for the run: resuming from unknown state risks duplicate
// submissions.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("run manifest %q is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store owns the manifest file. It is safe for concurrent use, though the
// tracker serializes all mutations through a single goroutine anyway.
type Store struct {
	path string

	mu  sync.Mutex
	doc *document
}

// Open loads the manifest at path if it exists, or prepares an empty one. The
// boolean reports whether a previous manifest was found. A manifest that
// exists but cannot be decoded returns a *CorruptError.
func Open(path string) (*Store, bool, error) {
	s := &Store{path: path, doc: &document{Version: documentVersion, Tasks: map[string]*TaskRecord{}}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, true, &CorruptError{Path: path, Err: err}
	}
	if doc.Tasks == nil {
		return nil, true, &CorruptError{Path: path, Err: fmt.Errorf("missing tasks section")}
	}
	s.doc = &doc
	return s, true, nil
}

// Path returns the manifest file location.
func (s *Store) Path() string { return s.path }

// Ensure creates a pending record for the named task if none exists yet.
func (s *Store) Ensure(name string, optional bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Tasks[name]; !ok {
		s.doc.Tasks[name] = &TaskRecord{Name: name, State: StatePending, Optional: optional}
	}
	return s.flushLocked()
}

// Get returns a copy of the named task's record.
func (s *Store) Get(name string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Tasks[name]
	if !ok {
		return TaskRecord{}, false
	}
	return cloneRecord(rec), true
}

// Snapshot returns a copy of every task record keyed by name.
func (s *Store) Snapshot() map[string]TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]TaskRecord, len(s.doc.Tasks))
	for name, rec := range s.doc.Tasks {
		snap[name] = cloneRecord(rec)
	}
	return snap
}

// Update applies fn to the named task's record and persists the result
// atomically. The record must already exist.
func (s *Store) Update(name string, fn func(*TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Tasks[name]
	if !ok {
		return fmt.Errorf("manifest has no record for task %q", name)
	}
	fn(rec)
	return s.flushLocked()
}

// flushLocked writes the manifest via a temp file in the same directory plus
// rename, so readers never observe a partially written file.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func cloneRecord(rec *TaskRecord) TaskRecord {
	out := *rec
	out.Handles = append([]HandleRecord(nil), rec.Handles...)
	return out
}
