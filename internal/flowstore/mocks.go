package flowstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quernd/quern/internal/apierr"
)

// Mocks is the ordered mock rule registry. Insertion order defines priority;
// the addon evaluates mocks before intercept. The Quern server is the single
// writer; the addon only reads.
type Mocks struct {
	mu    sync.Mutex
	rules []MockRule
}

func newMockRegistry() *Mocks { return &Mocks{} }

// List returns the rules in priority order.
func (m *Mocks) List() []MockRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRule(nil), m.rules...)
}

// Add appends a rule, assigning an id when absent.
func (m *Mocks) Add(r MockRule) (MockRule, error) {
	if r.Pattern == "" {
		return MockRule{}, apierr.New(apierr.InvalidArgument, "mock rule pattern is required")
	}
	if r.Status == 0 {
		r.Status = 200
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			return MockRule{}, apierr.New(apierr.Conflict, "mock rule %s already exists", r.ID)
		}
	}
	m.rules = append(m.rules, r)
	return r, nil
}

// Update patches a rule in place, preserving its list position. Zero-valued
// fields keep the previous value.
func (m *Mocks) Update(id string, patch MockRule) (MockRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID != id {
			continue
		}
		if patch.Pattern != "" {
			m.rules[i].Pattern = patch.Pattern
		}
		if patch.Status != 0 {
			m.rules[i].Status = patch.Status
		}
		if patch.Headers != nil {
			m.rules[i].Headers = patch.Headers
		}
		if patch.Body != "" {
			m.rules[i].Body = patch.Body
		}
		return m.rules[i], nil
	}
	return MockRule{}, apierr.New(apierr.NotFound, "mock rule %s not found", id)
}

// Remove deletes a rule by id.
func (m *Mocks) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return apierr.New(apierr.NotFound, "mock rule %s not found", id)
}

// Clear removes every rule.
func (m *Mocks) Clear() {
	m.mu.Lock()
	m.rules = nil
	m.mu.Unlock()
}
