// Package vfs provides the in-memory file store agents use to exchange work.
package vfs

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when reading a path that was never written.
	ErrNotFound = errors.New("file not found")

	// ErrPathConflict is returned when two writers collide on the same path.
	ErrPathConflict = errors.New("path conflict")

	// ErrInvalidPath is returned for empty or escaping paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrOffsetOutOfRange is returned by ReadLines when offset is past the end.
	ErrOffsetOutOfRange = errors.New("offset exceeds file length")
)

// maxLineWidth truncates very long lines in ReadLines output.
const maxLineWidth = 2000

// ConflictError describes a write that collided with another writer's claim.
type ConflictError struct {
	Path   string
	Holder string // writer currently holding the path
	Writer string // writer that was rejected
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("path conflict on %q: held by %q, rejected %q", e.Path, e.Holder, e.Writer)
}

// Is reports whether target is ErrPathConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrPathConflict
}

// File is a single entry in the store.
type File struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Writer    string    `json:"writer,omitempty"`
	Seq       uint64    `json:"seq"`      // order of first write
	Revision  int       `json:"revision"` // incremented on every write
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is a path/content pair used for batch writes.
type Entry struct {
	Path    string
	Content string
}

// Store is a concurrency-safe path → content map that remembers write order.
//
// Writers may claim paths with Reserve (or implicitly through WriteAll). While a
// claim is held, writes from any other writer fail with a ConflictError.
// Plain sequential writes with no outstanding claim never conflict.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*File
	order    []string
	seq      uint64
	reserved map[string]string // path -> owner
}

// New creates an empty store.
func New() *Store {
	return &Store{
		files:    make(map[string]*File),
		reserved: make(map[string]string),
	}
}

// Clean normalizes a path: slash-separated, no leading slash, no escapes.
func Clean(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+slashed), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the store", ErrInvalidPath, p)
		}
	}
	return cleaned, nil
}

// Write stores content at path without a writer identity.
func (s *Store) Write(p, content string) error {
	return s.WriteAs("", p, content)
}

// WriteAs stores content at path on behalf of writer, overwriting any
// previous content. It fails if another writer holds a claim on the path.
func (s *Store) WriteAs(writer, p, content string) error {
	cleaned, err := Clean(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.reserved[cleaned]; ok && holder != writer {
		return &ConflictError{Path: cleaned, Holder: holder, Writer: writer}
	}
	s.put(writer, cleaned, content)
	return nil
}

// WriteAll claims every path for owner and writes the batch atomically.
// Either all entries are written or none are. Claims stay held until Release.
func (s *Store) WriteAll(owner string, entries []Entry) error {
	cleaned := make([]string, len(entries))
	for i, e := range entries {
		p, err := Clean(e.Path)
		if err != nil {
			return err
		}
		cleaned[i] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range cleaned {
		if holder, ok := s.reserved[p]; ok && holder != owner {
			return &ConflictError{Path: p, Holder: holder, Writer: owner}
		}
	}
	for i, p := range cleaned {
		s.reserved[p] = owner
		s.put(owner, p, entries[i].Content)
	}
	return nil
}

// put writes under the lock.
func (s *Store) put(writer, p, content string) {
	now := time.Now()
	if f, ok := s.files[p]; ok {
		f.Content = content
		f.Writer = writer
		f.Revision++
		f.UpdatedAt = now
		return
	}
	s.seq++
	s.files[p] = &File{
		Path:      p,
		Content:   content,
		Writer:    writer,
		Seq:       s.seq,
		Revision:  1,
		UpdatedAt: now,
	}
	s.order = append(s.order, p)
}

// Reserve claims paths for owner. All-or-nothing: if any path is already
// claimed by someone else, nothing is claimed and a ConflictError is returned.
func (s *Store) Reserve(owner string, paths ...string) error {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := Clean(p)
		if err != nil {
			return err
		}
		cleaned = append(cleaned, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range cleaned {
		if holder, ok := s.reserved[p]; ok && holder != owner {
			return &ConflictError{Path: p, Holder: holder, Writer: owner}
		}
	}
	for _, p := range cleaned {
		s.reserved[p] = owner
	}
	return nil
}

// Release drops every claim held by owner.
func (s *Store) Release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, holder := range s.reserved {
		if holder == owner {
			delete(s.reserved, p)
		}
	}
}

// Read returns the content at path.
func (s *Store) Read(p string) (string, error) {
	f, err := s.Stat(p)
	if err != nil {
		return "", err
	}
	return f.Content, nil
}

// Stat returns a copy of the file at path.
func (s *Store) Stat(p string) (File, error) {
	cleaned, err := Clean(p)
	if err != nil {
		return File{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[cleaned]
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, cleaned)
	}
	return *f, nil
}

// ReadLines returns a window of the file with 1-based line numbers.
func (s *Store) ReadLines(p string, offset, limit int) (string, error) {
	content, err := s.Read(p)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", nil
	}
	if limit <= 0 {
		limit = 2000
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if offset < 0 || offset >= len(lines) {
		return "", fmt.Errorf("%w: offset %d, %d lines", ErrOffsetOutOfRange, offset, len(lines))
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	for i := offset; i < end; i++ {
		line := lines[i]
		line = truncate(line, maxLineWidth)
		if i > offset {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%6d\t%s", i+1, line)
	}
	return sb.String(), nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// List returns every path beginning with prefix, in first-write order.
// An empty prefix lists everything.
func (s *Store) List(prefix string) []string {
	prefix = strings.TrimPrefix(prefix, "/")

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, p := range s.order {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot copies the files named by refs. A ref matching an existing path
// selects that file; any other ref is treated as a prefix. The result is in
// write order without duplicates.
func (s *Store) Snapshot(refs ...string) []File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	selected := make(map[string]bool)
	for _, ref := range refs {
		ref = strings.TrimPrefix(ref, "/")
		if _, ok := s.files[ref]; ok {
			selected[ref] = true
			continue
		}
		for _, p := range s.order {
			if strings.HasPrefix(p, ref) {
				selected[p] = true
			}
		}
	}

	out := make([]File, 0, len(selected))
	for _, p := range s.order {
		if selected[p] {
			out = append(out, *s.files[p])
		}
	}
	return out
}

// All returns a copy of every file in write order.
func (s *Store) All() []File {
	return s.Snapshot("")
}

// Len returns the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
