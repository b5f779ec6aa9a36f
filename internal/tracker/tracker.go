package tracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	mu  sync.Mutex
	req Request
}

// Tracker is an in-memory request registry, safe for concurrent use.
// Records are copied in and out; callers never share state with the store.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

func New() *Tracker {
	return &Tracker{
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	t.now = now
}

func (t *Tracker) nowUTC() time.Time {
	t.mu.RLock()
	now := t.now
	t.mu.RUnlock()
	return now().UTC()
}

// Create registers a running request for description.
func (t *Tracker) Create(description string) Request {
	req, _ := t.insert(uuid.NewString(), description)
	return req
}

// Track starts a run for the request keyed by id, creating it when unknown
// and moving an existing one back to running.
func (t *Tracker) Track(id, description string) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, fmt.Errorf("id is required")
	}
	// A concurrent Track may win the insert; restart its entry instead.
	if req, created := t.insert(id, description); created {
		return req, nil
	}

	return t.update(id, func(req *Request) error {
		if err := ValidateTransition(req.Status, StatusRunning); err != nil {
			return err
		}
		req.Status = StatusRunning
		req.Progress = ProgressCreated
		req.Description = description
		req.Title = Title(description)
		return nil
	})
}

// insert adds a running entry for id. It reports false, leaving the map
// untouched, when id is already present.
func (t *Tracker) insert(id, description string) (Request, bool) {
	now := t.nowUTC()
	req := Request{
		ID:          id,
		Title:       Title(description),
		Description: description,
		Status:      StatusRunning,
		Progress:    ProgressCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return Request{}, false
	}
	t.entries[id] = &entry{req: req}
	return req, true
}

// Get returns a copy of one request.
func (t *Tracker) Get(id string) (Request, error) {
	e, err := t.lookup(id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, nil
}

// List returns every request, newest first.
func (t *Tracker) List() []Request {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Request, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.req)
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Approve is an operator override allowed from any status.
func (t *Tracker) Approve(id string) (Request, error) {
	return t.update(id, func(req *Request) error {
		req.Status = StatusApproved
		req.Progress = ProgressApproved
		return nil
	})
}

// Deny is an operator override allowed from any status.
func (t *Tracker) Deny(id string) (Request, error) {
	return t.update(id, func(req *Request) error {
		req.Status = StatusDenied
		req.Progress = ProgressDenied
		return nil
	})
}

func (t *Tracker) MarkHITLRequired(id string) (Request, error) {
	return t.transition(id, StatusHITLRequired, ProgressHITLRequired)
}

func (t *Tracker) Complete(id string) (Request, error) {
	return t.transition(id, StatusCompleted, ProgressCompleted)
}

// Fail keeps the progress reached so far.
func (t *Tracker) Fail(id string) (Request, error) {
	return t.transition(id, StatusFailed, -1)
}

// Seed stores prepared records as-is after validating them. Records without
// an id get one.
func (t *Tracker) Seed(requests ...Request) error {
	for i, req := range requests {
		if !req.Status.Valid() {
			return fmt.Errorf("seed %d: unknown status %q", i, req.Status)
		}
		if req.Progress < 0 || req.Progress > 100 {
			return fmt.Errorf("seed %d: %w", i, ErrInvalidProgress)
		}
		if req.UpdatedAt.Before(req.CreatedAt) {
			return fmt.Errorf("seed %d: updated_at precedes created_at", i)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, req := range requests {
		if strings.TrimSpace(req.ID) == "" {
			req.ID = uuid.NewString()
		}
		if req.Title == "" {
			req.Title = Title(req.Description)
		}
		req.CreatedAt = req.CreatedAt.UTC()
		req.UpdatedAt = req.UpdatedAt.UTC()
		t.entries[req.ID] = &entry{req: req}
	}
	return nil
}

func (t *Tracker) transition(id string, to Status, progress int) (Request, error) {
	return t.update(id, func(req *Request) error {
		if err := ValidateTransition(req.Status, to); err != nil {
			return err
		}
		req.Status = to
		if progress >= 0 {
			req.Progress = progress
		}
		return nil
	})
}

// update applies mutate under the entry lock and bumps updated_at.
func (t *Tracker) update(id string, mutate func(*Request) error) (Request, error) {
	e, err := t.lookup(id)
	if err != nil {
		return Request{}, err
	}
	now := t.nowUTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.req
	if err := mutate(&next); err != nil {
		return e.req, err
	}
	if next.Progress < 0 || next.Progress > 100 {
		return e.req, ErrInvalidProgress
	}
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	e.req = next
	return next, nil
}

func (t *Tracker) lookup(id string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}
