package approval

import (
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const DefaultTTL = 15 * time.Minute

// Service tracks suspension records and their expiry.
type Service struct {
	store      *Store
	defaultTTL time.Duration
	now        func() time.Time
	mu         sync.Mutex
	// entropy is shared so ids minted in the same millisecond stay ordered
	// and distinct. Guarded by mu.
	entropy    *ulid.MonotonicEntropy
}

// NewService creates a service backed by <stateDir>/approvals.json.
func NewService(stateDir string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:      NewStore(stateDir),
		defaultTTL: ttl,
		now:        time.Now,
		entropy:    ulid.Monotonic(crand.Reader, 0),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// TTL is the default suspension lifetime.
func (s *Service) TTL() time.Duration {
	return s.defaultTTL
}

// Create inserts a new pending record.
func (s *Service) Create(input CreateInput) (Request, error) {
	threadID := strings.TrimSpace(input.ThreadID)
	if threadID == "" {
		return Request{}, fmt.Errorf("thread_id is required")
	}
	if len(input.Actions) == 0 {
		return Request{}, fmt.Errorf("at least one action is required")
	}
	for i, action := range input.Actions {
		if strings.TrimSpace(action.ToolName) == "" {
			return Request{}, fmt.Errorf("action %d: tool_name is required", i)
		}
	}

	now := s.now().UTC()
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}

	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return Request{}, fmt.Errorf("generate approval id: %w", err)
	}
	request := Request{
		ID:          id.String(),
		ThreadID:    threadID,
		Actions:     append([]Action(nil), input.Actions...),
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	data.Requests = append(data.Requests, request)

	if err := s.store.Save(data); err != nil {
		return Request{}, err
	}
	return request, nil
}

// Get returns one record by id.
func (s *Service) Get(id string) (Request, error) {
	requests, err := s.List(Query{ID: strings.TrimSpace(id)})
	if err != nil {
		return Request{}, err
	}
	if len(requests) == 0 {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return requests[0], nil
}

// Claim checks that a record can still be resumed. An overdue pending record
// is marked expired and ErrExpired is returned.
func (s *Service) Claim(id string) (Request, error) {
	requestID := strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}
	now := s.now().UTC()

	for i := range data.Requests {
		req := &data.Requests[i]
		if req.ID != requestID {
			continue
		}
		switch {
		case req.Status == StatusExpired:
			return *req, fmt.Errorf("%w: %s", ErrExpired, requestID)
		case req.Status != StatusPending:
			return *req, fmt.Errorf("%w: %s", ErrNotPending, requestID)
		case overdue(*req, now):
			markExpired(req, now)
			if err := s.store.Save(data); err != nil {
				return Request{}, err
			}
			return *req, fmt.Errorf("%w: %s", ErrExpired, requestID)
		}
		return *req, nil
	}
	return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

// Approve settles a pending record whose decisions contained no rejection.
func (s *Service) Approve(id string, decision DecisionInput) (Request, error) {
	return s.decide(id, StatusApproved, decision, "approved")
}

// Reject settles a pending record whose decisions contained a rejection.
func (s *Service) Reject(id string, decision DecisionInput) (Request, error) {
	return s.decide(id, StatusRejected, decision, "rejected")
}

// Expire marks one pending record expired regardless of its deadline.
func (s *Service) Expire(id string) (Request, error) {
	requestID := strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}
	for i := range data.Requests {
		req := &data.Requests[i]
		if req.ID != requestID {
			continue
		}
		if req.Status != StatusPending {
			return *req, fmt.Errorf("%w: %s", ErrNotPending, requestID)
		}
		markExpired(req, s.now().UTC())
		if err := s.store.Save(data); err != nil {
			return Request{}, err
		}
		return *req, nil
	}
	return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

// List returns records filtered by query values.
func (s *Service) List(query Query) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	idFilter := strings.TrimSpace(query.ID)
	statusFilter := strings.TrimSpace(string(query.Status))
	threadFilter := strings.TrimSpace(query.ThreadID)

	result := make([]Request, 0, len(data.Requests))
	for _, req := range data.Requests {
		if idFilter != "" && req.ID != idFilter {
			continue
		}
		if statusFilter != "" && string(req.Status) != statusFilter {
			continue
		}
		if threadFilter != "" && req.ThreadID != threadFilter {
			continue
		}
		result = append(result, req)
	}
	return result, nil
}

// ExpirePending marks pending records as expired when TTL has elapsed.
func (s *Service) ExpirePending() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expired := make([]Request, 0)

	for i := range data.Requests {
		req := &data.Requests[i]
		if req.Status != StatusPending || !overdue(*req, now) {
			continue
		}
		markExpired(req, now)
		expired = append(expired, *req)
	}

	if len(expired) > 0 {
		if err := s.store.Save(data); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func (s *Service) decide(id string, status RequestStatus, decision DecisionInput, defaultNote string) (Request, error) {
	requestID := strings.TrimSpace(id)
	if requestID == "" {
		return Request{}, fmt.Errorf("id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}

	now := s.now().UTC()
	decidedBy := strings.TrimSpace(decision.DecidedBy)
	if decidedBy == "" {
		decidedBy = "unknown"
	}
	decisionNote := strings.TrimSpace(decision.Note)
	if decisionNote == "" {
		decisionNote = defaultNote
	}

	for i := range data.Requests {
		req := &data.Requests[i]
		if req.ID != requestID {
			continue
		}
		if req.Status != StatusPending {
			return Request{}, fmt.Errorf("%w: %s", ErrNotPending, requestID)
		}

		req.Status = status
		req.DecidedAt = now
		req.DecidedBy = decidedBy
		req.DecisionNote = decisionNote

		if err := s.store.Save(data); err != nil {
			return Request{}, err
		}
		return *req, nil
	}

	return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

func overdue(req Request, now time.Time) bool {
	return !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now)
}

func markExpired(req *Request, now time.Time) {
	req.Status = StatusExpired
	req.DecidedAt = now
	req.DecidedBy = "system"
	if strings.TrimSpace(req.DecisionNote) == "" {
		req.DecisionNote = "expired by ttl"
	}
}
