// Package agents defines the worker contract and the built-in sub-agents.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

// Capability names a kind of work a sub-agent performs.
type Capability string

const (
	CapabilityResearch Capability = "research"
	CapabilityResponse Capability = "response"
)

// Well-known file locations shared between the coordinator and workers.
const (
	EmailPath      = "email/current.md"
	EmailPrefix    = "email/"
	ResearchPrefix = "research/"
	ContextPrefix  = "context/"
	DraftsPrefix   = "drafts/"
	SummaryPath    = "research/summary.md"
	DraftPath      = "drafts/reply.md"
)

// ErrMissingInput is returned when a task lacks a file the worker needs.
var ErrMissingInput = errors.New("missing input")

// Task is the payload handed to a sub-agent. Workers only see what is in
// the task: they have no access to the coordinator's state.
type Task struct {
	TodoID       string
	Category     string
	Instructions string
	Files        []vfs.File // input snapshot in write order
}

// File returns the snapshot entry at path.
func (t Task) File(path string) (vfs.File, bool) {
	for _, f := range t.Files {
		if f.Path == path {
			return f, true
		}
	}
	return vfs.File{}, false
}

// FilesWithPrefix returns snapshot entries under prefix, in write order.
func (t Task) FilesWithPrefix(prefix string) []vfs.File {
	var out []vfs.File
	for _, f := range t.Files {
		if strings.HasPrefix(f.Path, prefix) {
			out = append(out, f)
		}
	}
	return out
}

// Output is a file a worker wants written.
type Output struct {
	Path    string
	Content string
}

// Result is what a worker returns on success. The first output is the
// primary result.
type Result struct {
	Outputs []Output
	Summary string
}

// Primary returns the path of the primary output, or "".
func (r *Result) Primary() string {
	if r == nil || len(r.Outputs) == 0 {
		return ""
	}
	return r.Outputs[0].Path
}

// Executor performs one kind of task.
type Executor interface {
	Capability() Capability
	Describe() string
	Execute(ctx context.Context, task Task) (*Result, error)
}

// Registry maps capabilities to executors.
type Registry struct {
	executors map[Capability]Executor
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[Capability]Executor)}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for its capability.
func (r *Registry) Register(e Executor) {
	r.executors[e.Capability()] = e
}

// Get returns the executor for a capability.
func (r *Registry) Get(c Capability) (Executor, bool) {
	e, ok := r.executors[c]
	return e, ok
}

// Capabilities lists registered capabilities in name order.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Describe renders a short catalogue of the registered agents.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, c := range r.Capabilities() {
		fmt.Fprintf(&sb, "- %s: %s\n", c, r.executors[c].Describe())
	}
	return sb.String()
}
