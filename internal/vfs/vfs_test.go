package vfs

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func TestStore_WriteRead(t *testing.T) {
	s := New()
	if err := s.Write("research/a.md", "alpha"); err != nil {
		t.Fatalf("write error: %v", err)
	}

	got, err := s.Read("research/a.md")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got != "alpha" {
		t.Errorf("expected 'alpha', got %q", got)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := New()
	_, err := s.Read("nope.md")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_OverwriteKeepsOrder(t *testing.T) {
	s := New()
	s.Write("a", "1")
	s.Write("b", "2")
	s.Write("a", "3")

	paths := s.List("")
	if strings.Join(paths, ",") != "a,b" {
		t.Errorf("expected first-write order a,b, got %v", paths)
	}

	f, err := s.Stat("a")
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}
	if f.Content != "3" || f.Revision != 2 {
		t.Errorf("expected content 3 at revision 2, got %q rev %d", f.Content, f.Revision)
	}
}

func TestStore_ListPrefix(t *testing.T) {
	s := New()
	s.Write("email/current.md", "e")
	s.Write("research/b.md", "b")
	s.Write("drafts/reply.md", "d")
	s.Write("research/a.md", "a")

	got := s.List("research/")
	want := []string{"research/b.md", "research/a.md"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if len(s.List("missing/")) != 0 {
		t.Error("expected empty list for unknown prefix")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"research/a.md", "research/a.md", false},
		{"/research/a.md", "research/a.md", false},
		{"research//a.md", "research/a.md", false},
		{"", "", true},
		{"/", "", true},
		{"../etc/passwd", "", true},
		{"a/../../b", "", true},
		{"a/../b", "", true},
		{`a\..\b`, "", true},
		{`research\a.md`, "research/a.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("expected ErrInvalidPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStore_SequentialWritesNeverConflict(t *testing.T) {
	s := New()
	for i, w := range []string{"research", "response", "research"} {
		if err := s.WriteAs(w, "shared.md", "v"); err != nil {
			t.Fatalf("write %d by %s: unexpected error %v", i, w, err)
		}
	}
}

func TestStore_ReservedPathConflicts(t *testing.T) {
	s := New()
	if err := s.Reserve("research/t1", "research/summary.md"); err != nil {
		t.Fatalf("reserve error: %v", err)
	}

	err := s.WriteAs("research/t2", "research/summary.md", "other")
	if !errors.Is(err, ErrPathConflict) {
		t.Fatalf("expected ErrPathConflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if ce.Holder != "research/t1" || ce.Writer != "research/t2" {
		t.Errorf("unexpected conflict details: %+v", ce)
	}

	// Holder may still write.
	if err := s.WriteAs("research/t1", "research/summary.md", "mine"); err != nil {
		t.Errorf("holder write failed: %v", err)
	}

	s.Release("research/t1")
	if err := s.WriteAs("research/t2", "research/summary.md", "other"); err != nil {
		t.Errorf("write after release failed: %v", err)
	}
}

func TestStore_WriteAllAtomic(t *testing.T) {
	s := New()
	if err := s.Reserve("a", "x.md"); err != nil {
		t.Fatal(err)
	}

	err := s.WriteAll("b", []Entry{{Path: "y.md", Content: "y"}, {Path: "x.md", Content: "x"}})
	if !errors.Is(err, ErrPathConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.Read("y.md"); !errors.Is(err, ErrNotFound) {
		t.Error("partial batch should not have been written")
	}
}

func TestStore_ConcurrentWritersSamePath(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, owner := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			errs <- s.WriteAll(owner, []Entry{{Path: "drafts/reply.md", Content: owner}})
		}(owner)
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPathConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := New()
	s.Write("email/current.md", "e")
	s.Write("research/one.md", "1")
	s.Write("context/notes.md", "n")
	s.Write("research/two.md", "2")

	files := s.Snapshot("research/", "email/current.md", "research/one.md")
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	want := "email/current.md,research/one.md,research/two.md"
	if strings.Join(paths, ",") != want {
		t.Errorf("expected %s, got %v", want, paths)
	}
}

func TestStore_ReadLines(t *testing.T) {
	s := New()
	s.Write("notes.md", "first\nsecond\nthird\n")

	got, err := s.ReadLines("notes.md", 1, 1)
	if err != nil {
		t.Fatalf("read lines error: %v", err)
	}
	if got != "     2\tsecond" {
		t.Errorf("unexpected output %q", got)
	}

	if _, err := s.ReadLines("notes.md", 10, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestStore_ReadLinesLongLineKeepsRunes(t *testing.T) {
	s := New()
	s.Write("long.md", strings.Repeat("a", maxLineWidth-1)+"é")

	got, err := s.ReadLines("long.md", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncated line is not valid UTF-8: %q", got[len(got)-4:])
	}
	if !strings.HasSuffix(got, "\t"+strings.Repeat("a", maxLineWidth-1)) {
		t.Errorf("expected the partial rune to be dropped, got tail %q", got[len(got)-4:])
	}
}
