// Package session records the event timeline of a run and persists it as JSONL.
package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Status constants for sessions.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event types for the run log
const (
	EventRunStart = "run_start"
	EventRunEnd   = "run_end"
	EventPhase    = "phase"    // coordinator phase transition
	EventAnalysis = "analysis" // analyzer verdict

	EventTodoAdded   = "todo_added"
	EventTodoSkipped = "todo_skipped"

	EventDelegationStart   = "delegation_start"
	EventDelegationAttempt = "delegation_attempt"
	EventDelegationEnd     = "delegation_end"

	EventFileWrite = "file_write"
	EventCancel    = "cancel"
	EventExport    = "export"
)

// Session is the event log of one run.
type Session struct {
	ID           string    `json:"id"`
	EmailID      string    `json:"email_id,omitempty"`
	EmailSubject string    `json:"email_subject,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Events       []Event   `json:"events"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// Event is a single entry in the run log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Links delegation_start, its attempts and delegation_end.
	CorrelationID string `json:"corr_id,omitempty"`

	Phase   string `json:"phase,omitempty"`
	Todo    string `json:"todo,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Path    string `json:"path,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Content string            `json:"content,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`

	Success    *bool  `json:"success,omitempty"` // nil = in progress
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// New creates a running session for a run.
func New(runID, emailID, subject string) *Session {
	if runID == "" {
		runID = generateID()
	}
	now := time.Now()
	return &Session{
		ID:           runID,
		EmailID:      emailID,
		EmailSubject: subject,
		Status:       StatusRunning,
		Events:       []Event{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Bool returns a pointer for Event.Success.
func Bool(b bool) *bool { return &b }

func (s *Session) nextSeqID() uint64 {
	return atomic.AddUint64(&s.seqCounter, 1)
}

// CurrentSeqID returns the last used sequence ID, or 0 before any event.
func (s *Session) CurrentSeqID() uint64 {
	return atomic.LoadUint64(&s.seqCounter)
}

// AddEvent appends an event with the next sequence number.
// A nil session ignores events.
func (s *Session) AddEvent(event Event) uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = s.nextSeqID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	return event.SeqID
}

// Snapshot returns a copy of the events recorded so far.
func (s *Session) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.Events...)
}

// Finish sets the final status.
func (s *Session) Finish(status, errMsg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.Error = errMsg
	s.UpdatedAt = time.Now()
}

// StartCorrelation generates a new correlation ID for linking related events.
func (s *Session) StartCorrelation() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

type ctxKey struct{}

// NewContext returns a context that carries sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, sess)
}

// FromContext returns the session carried by ctx, or nil. The nil session
// is safe to log to.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(ctxKey{}).(*Session)
	return sess
}

// Store is the interface for session persistence.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// JSONL record types
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// header
	ID           string    `json:"id,omitempty"`
	EmailID      string    `json:"email_id,omitempty"`
	EmailSubject string    `json:"email_subject,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`

	*Event `json:",omitempty"`

	// footer; run_error keeps clear of Event.Error
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"run_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore implements Store as one JSONL file per run.
type FileStore struct {
	dir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a session is stored in.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the session to <dir>/<id>.jsonl, replacing any previous copy.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	header := JSONLRecord{
		RecordType:   RecordTypeHeader,
		ID:           sess.ID,
		EmailID:      sess.EmailID,
		EmailSubject: sess.EmailSubject,
		CreatedAt:    sess.CreatedAt,
	}
	if err := writeLine(w, header); err != nil {
		tmp.Close()
		return err
	}
	for _, evt := range sess.Events {
		evtCopy := evt
		if err := writeLine(w, JSONLRecord{RecordType: RecordTypeEvent, Event: &evtCopy}); err != nil {
			tmp.Close()
			return err
		}
	}
	footer := JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		Error:      sess.Error,
		UpdatedAt:  sess.UpdatedAt,
	}
	if err := writeLine(w, footer); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path(sess.ID))
}

func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads a session by run ID.
func (s *FileStore) Load(id string) (*Session, error) {
	return LoadFile(s.Path(id))
}

// LoadFile reads a session from a JSONL file.
func LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &Session{Events: []Event{}}

	// bufio.Reader rather than Scanner: no line length limit.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if parseErr := parseJSONLLine(trimmed, sess); parseErr != nil {
				return nil, parseErr
			}
		}
		if err == io.EOF {
			break
		}
	}

	if len(sess.Events) > 0 {
		sess.seqCounter = sess.Events[len(sess.Events)-1].SeqID
	}
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.EmailID = record.EmailID
		sess.EmailSubject = record.EmailSubject
		sess.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Error = record.Error
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}
