// Package planner tracks the TODO list of a run as a dependency graph.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a TODO.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Reasons a TODO may be skipped.
const (
	SkipOptionalFailed      = "optional_failed"
	SkipUpstreamUnavailable = "upstream_unavailable"
	SkipNotNeeded           = "not_needed"
	SkipCancelled           = "cancelled"
)

// DefaultMaxRetries is the retry cap used when none is configured.
const DefaultMaxRetries = 2

var (
	ErrValidation        = errors.New("invalid todo")
	ErrDuplicateID       = errors.New("duplicate todo id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrNotFound          = errors.New("todo not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrInvalidSkipReason = fmt.Errorf("%w: skip reason not allowed", ErrValidation)
)

var allowedSkipReasons = map[string]struct{}{
	SkipOptionalFailed:      {},
	SkipUpstreamUnavailable: {},
	SkipNotNeeded:           {},
	SkipCancelled:           {},
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusReady:   {},
		StatusSkipped: {},
	},
	StatusReady: {
		StatusInProgress: {},
		StatusPending:    {},
		StatusSkipped:    {},
	},
	StatusInProgress: {
		StatusDone:   {},
		StatusFailed: {},
	},
	StatusFailed: {
		StatusPending: {},
		StatusSkipped: {},
	},
	StatusDone:    {},
	StatusSkipped: {},
}

// ValidateTransition reports whether a TODO may move from one status to another.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsAllowedSkipReason reports whether reason is an accepted skip reason.
func IsAllowedSkipReason(reason string) bool {
	_, ok := allowedSkipReasons[reason]
	return ok
}

// Terminal reports whether the status can no longer change on its own.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusFailed
}

// Item is one unit of planned work.
type Item struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	DependsOn    []string `json:"depends_on,omitempty"` // must be Done first
	After        []string `json:"after,omitempty"`      // must be terminal first
	Inputs       []string `json:"inputs,omitempty"`     // file paths or prefixes passed to the worker
	Instructions string   `json:"instructions,omitempty"`
	Priority     int      `json:"priority"`
	Critical     bool     `json:"critical"`
	Final        bool     `json:"final,omitempty"` // produces the final response

	Status        Status    `json:"status"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	ResultRef     string    `json:"result_ref,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Retries       int       `json:"retries,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	seq int
}

func (it Item) clone() Item {
	it.DependsOn = append([]string(nil), it.DependsOn...)
	it.After = append([]string(nil), it.After...)
	it.Inputs = append([]string(nil), it.Inputs...)
	return it
}

// Planner holds the TODO graph. All methods are safe for concurrent use.
type Planner struct {
	mu         sync.Mutex
	items      map[string]*Item
	order      []string
	nextSeq    int
	maxRetries int
}

// New creates a planner. A negative maxRetries disables retries.
func New(maxRetries int) *Planner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Planner{
		items:      make(map[string]*Item),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the retry cap.
func (p *Planner) MaxRetries() int {
	return p.maxRetries
}

// Add inserts a single TODO.
func (p *Planner) Add(item Item) error {
	return p.AddAll(item)
}

// AddAll inserts a batch of TODOs. Items in the batch may depend on each
// other. The batch is validated as a whole and nothing is inserted on error.
func (p *Planner) AddAll(items ...Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := make(map[string]*Item, len(items))
	for i := range items {
		it := items[i].clone()
		if err := validateItem(it); err != nil {
			return err
		}
		if _, ok := p.items[it.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		if _, ok := batch[it.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		batch[it.ID] = &it
	}

	for _, it := range batch {
		for _, dep := range edges(it) {
			_, existing := p.items[dep]
			_, inBatch := batch[dep]
			if !existing && !inBatch {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, it.ID, dep)
			}
		}
	}

	graph := make(map[string]*Item, len(p.items)+len(batch))
	for id, it := range p.items {
		graph[id] = it
	}
	for id, it := range batch {
		graph[id] = it
	}
	if err := validateAcyclic(graph); err != nil {
		return err
	}

	now := time.Now()
	for i := range items {
		it := batch[items[i].ID]
		p.nextSeq++
		it.seq = p.nextSeq
		it.Status = StatusPending
		it.UpdatedAt = now
		p.items[it.ID] = it
		p.order = append(p.order, it.ID)
	}
	p.promote()
	return nil
}

func validateItem(it Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if strings.TrimSpace(it.Description) == "" {
		return fmt.Errorf("%w: %s: missing description", ErrValidation, it.ID)
	}
	if strings.TrimSpace(it.Category) == "" {
		return fmt.Errorf("%w: %s: missing category", ErrValidation, it.ID)
	}
	return nil
}

// edges returns every id the item waits on, hard and soft.
func edges(it *Item) []string {
	out := make([]string, 0, len(it.DependsOn)+len(it.After))
	out = append(out, it.DependsOn...)
	out = append(out, it.After...)
	return out
}

func validateAcyclic(graph map[string]*Item) error {
	visiting := make(map[string]bool, len(graph))
	visited := make(map[string]bool, len(graph))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		if visiting[id] {
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, id), " -> "))
		}
		if visited[id] {
			return nil
		}
		visiting[id] = true
		it, ok := graph[id]
		if ok {
			for _, dep := range edges(it) {
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency makes id wait for dep to be Done. Only TODOs that have not
// started may gain dependencies.
func (p *Planner) AddDependency(id, dep string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := p.items[dep]; !ok {
		return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
	}
	if it.Status != StatusPending && it.Status != StatusReady {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, it.Status)
	}
	for _, d := range it.DependsOn {
		if d == dep {
			return nil
		}
	}

	it.DependsOn = append(it.DependsOn, dep)
	if err := validateAcyclic(p.items); err != nil {
		it.DependsOn = it.DependsOn[:len(it.DependsOn)-1]
		return err
	}
	if it.Status == StatusReady && !p.eligible(it) {
		it.Status = StatusPending
		it.UpdatedAt = time.Now()
	}
	p.promote()
	return nil
}

// eligible reports whether every hard dependency is Done and every soft
// ordering dependency is terminal.
func (p *Planner) eligible(it *Item) bool {
	for _, dep := range it.DependsOn {
		if p.items[dep].Status != StatusDone {
			return false
		}
	}
	for _, dep := range it.After {
		if !p.items[dep].Status.Terminal() {
			return false
		}
	}
	return true
}

// promote moves Pending items whose dependencies are satisfied to Ready.
func (p *Planner) promote() {
	now := time.Now()
	for _, id := range p.order {
		it := p.items[id]
		if it.Status == StatusPending && p.eligible(it) {
			it.Status = StatusReady
			it.UpdatedAt = now
		}
	}
}

// readyLocked returns Ready items by priority (highest first), then FIFO.
func (p *Planner) readyLocked() []*Item {
	var ready []*Item
	for _, id := range p.order {
		if it := p.items[id]; it.Status == StatusReady {
			ready = append(ready, it)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority == ready[j].Priority {
			return ready[i].seq < ready[j].seq
		}
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

// NextReady returns the TODO that should run next without claiming it.
func (p *Planner) NextReady() (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := p.readyLocked()
	if len(ready) == 0 {
		return Item{}, false
	}
	return ready[0].clone(), true
}

// Claim atomically selects the next ready TODO and marks it in progress.
// No two callers ever receive the same TODO.
func (p *Planner) Claim(agent string) (Item, bool) {
	items := p.ClaimN(agent, 1)
	if len(items) == 0 {
		return Item{}, false
	}
	return items[0], true
}

// ClaimN claims up to n ready TODOs in scheduling order.
func (p *Planner) ClaimN(agent string, n int) []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := p.readyLocked()
	if n < len(ready) {
		ready = ready[:n]
	}
	out := make([]Item, 0, len(ready))
	for _, it := range ready {
		p.startLocked(it, agent)
		out = append(out, it.clone())
	}
	return out
}

// Start marks a ready TODO as in progress.
func (p *Planner) Start(id, agent string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateTransition(it.Status, StatusInProgress); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	p.startLocked(it, agent)
	return nil
}

func (p *Planner) startLocked(it *Item, agent string) {
	it.Status = StatusInProgress
	it.Attempts++
	if agent != "" {
		it.AssignedAgent = agent
	}
	it.UpdatedAt = time.Now()
}

// Assign records the agent handling a TODO.
func (p *Planner) Assign(id, agent string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	it.AssignedAgent = agent
	return nil
}

// MarkDone completes an in-progress TODO. Marking a Done TODO again is a no-op.
func (p *Planner) MarkDone(id, resultRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Status == StatusDone {
		return nil
	}
	if err := ValidateTransition(it.Status, StatusDone); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	it.Status = StatusDone
	it.ResultRef = resultRef
	it.FailureReason = ""
	it.UpdatedAt = time.Now()
	p.promote()
	return nil
}

// MarkFailed records a failed attempt.
func (p *Planner) MarkFailed(id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateTransition(it.Status, StatusFailed); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	it.Status = StatusFailed
	it.FailureReason = reason
	it.UpdatedAt = time.Now()
	p.promote()
	return nil
}

// Requeue sends a failed TODO back to Pending for another attempt.
func (p *Planner) Requeue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s, only failed TODOs are retried", ErrInvalidTransition, id, it.Status)
	}
	if it.Retries >= p.maxRetries {
		return fmt.Errorf("%w: %s after %d retries", ErrRetriesExhausted, id, it.Retries)
	}
	it.Retries++
	it.Status = StatusPending
	it.UpdatedAt = time.Now()
	p.promote()
	return nil
}

// Retry moves a failed TODO straight back to in progress for the same agent,
// as Requeue followed by Start would, but without letting another caller
// claim it in between.
func (p *Planner) Retry(id, agent string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s, only failed TODOs are retried", ErrInvalidTransition, id, it.Status)
	}
	if it.Retries >= p.maxRetries {
		return fmt.Errorf("%w: %s after %d retries", ErrRetriesExhausted, id, it.Retries)
	}
	if !p.eligible(it) {
		return fmt.Errorf("%w: %s dependencies no longer satisfied", ErrInvalidTransition, id)
	}
	it.Retries++
	p.startLocked(it, agent)
	return nil
}

// Skip marks a TODO as skipped with one of the allowed reasons.
func (p *Planner) Skip(id, reason string) error {
	if !IsAllowedSkipReason(reason) {
		return fmt.Errorf("%w: %q", ErrInvalidSkipReason, reason)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateTransition(it.Status, StatusSkipped); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	it.Status = StatusSkipped
	it.SkipReason = reason
	it.UpdatedAt = time.Now()
	p.promote()
	return nil
}

// Get returns a copy of the TODO with the given id.
func (p *Planner) Get(id string) (Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it.clone(), nil
}

// List returns copies of every TODO in insertion order.
func (p *Planner) List() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Item, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.items[id].clone())
	}
	return out
}

// Len returns the number of TODOs.
func (p *Planner) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Counts returns the number of TODOs in each status.
func (p *Planner) Counts() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[Status]int)
	for _, it := range p.items {
		counts[it.Status]++
	}
	return counts
}

// HasOpen reports whether any TODO is pending, ready, or in progress.
func (p *Planner) HasOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, it := range p.items {
		switch it.Status {
		case StatusPending, StatusReady, StatusInProgress:
			return true
		}
	}
	return false
}

// Blocked returns pending TODOs that can never become ready because a hard
// dependency was skipped, failed, or is itself blocked.
func (p *Planner) Blocked() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	memo := make(map[string]bool)
	var dead func(id string) bool
	dead = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		it := p.items[id]
		result := false
		switch it.Status {
		case StatusSkipped, StatusFailed:
			result = true
		case StatusPending:
			for _, dep := range it.DependsOn {
				if dead(dep) {
					result = true
					break
				}
			}
		}
		memo[id] = result
		return result
	}

	var out []Item
	for _, id := range p.order {
		it := p.items[id]
		if it.Status == StatusPending && dead(id) {
			out = append(out, it.clone())
		}
	}
	return out
}
