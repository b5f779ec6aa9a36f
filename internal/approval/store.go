package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	ledgerFileName = "approvals.json"
	ledgerVersion  = 1

	// Settled records beyond this count are dropped oldest first.
	maxSettledRecords = 500
)

type ledger struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

// Store persists the suspension ledger as one JSON document.
type Store struct {
	path       string
	maxSettled int
	mu         sync.Mutex
}

// NewStore creates a store at <stateDir>/approvals.json.
func NewStore(stateDir string) *Store {
	return &Store{
		path:       filepath.Join(stateDir, ledgerFileName),
		maxSettled: maxSettledRecords,
	}
}

// Path is the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the ledger. A missing file is an empty ledger.
func (s *Store) Load() (ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledger{Version: ledgerVersion, Requests: []Request{}}, nil
		}
		return ledger{}, fmt.Errorf("read approval ledger: %w", err)
	}

	var data ledger
	if err := json.Unmarshal(raw, &data); err != nil {
		return ledger{}, fmt.Errorf("parse approval ledger: %w", err)
	}
	if data.Requests == nil {
		data.Requests = []Request{}
	}
	return data, nil
}

// Save prunes old settled records and replaces the ledger file atomically.
// Pending records are never pruned.
func (s *Store) Save(data ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.Version = ledgerVersion
	data.Requests = pruneSettled(data.Requests, s.maxSettled)

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode approval ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create approval ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp approval ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp approval ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp approval ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace approval ledger: %w", err)
	}
	return nil
}

// pruneSettled keeps every pending record and the newest limit settled ones,
// preserving ledger order.
func pruneSettled(requests []Request, limit int) []Request {
	if requests == nil {
		return []Request{}
	}
	if limit <= 0 {
		return requests
	}

	var settled []int
	for i, req := range requests {
		if req.Status != StatusPending {
			settled = append(settled, i)
		}
	}
	if len(settled) <= limit {
		return requests
	}

	sort.SliceStable(settled, func(a, b int) bool {
		return requests[settled[a]].RequestedAt.After(requests[settled[b]].RequestedAt)
	})
	drop := make(map[int]bool, len(settled)-limit)
	for _, i := range settled[limit:] {
		drop[i] = true
	}

	kept := make([]Request, 0, len(requests)-len(drop))
	for i, req := range requests {
		if !drop[i] {
			kept = append(kept, req)
		}
	}
	return kept
}
