package store

import (
	"context"
	"sort"
	"sync"

	"github.com/reconforge/reconforge/pkg/event"
)

// Memory is an in-memory Store. It is the default for tests and for
// one-shot CLI scans that do not need durability.
type Memory struct {
	mu     sync.RWMutex
	events map[string][]event.Event
	status map[string]Status
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string][]event.Event),
		status: make(map[string]Status),
	}
}

// PutEvent implements Store. Events must arrive in sequence order; an
// event whose ID equals the current sequence length is appended, a
// lower ID replaces the stored row (duplicate-linkage update).
func (m *Memory) PutEvent(ctx context.Context, scanID string, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.events[scanID]
	switch {
	case ev.ID == len(seq):
		m.events[scanID] = append(seq, *ev)
	case ev.ID >= 0 && ev.ID < len(seq):
		seq[ev.ID] = *ev
	default:
		return ErrEventNotFound
	}
	return nil
}

// Events implements Store.
func (m *Memory) Events(ctx context.Context, scanID string, f Filter) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.events[scanID]
	if !ok {
		if _, known := m.status[scanID]; !known {
			return nil, ErrScanNotFound
		}
		return nil, nil
	}

	out := make([]event.Event, 0, len(seq))
	for i := range seq {
		if f.Match(&seq[i]) {
			out = append(out, seq[i])
		}
	}
	return out, nil
}

// MarkFalsePositive implements Store.
func (m *Memory) MarkFalsePositive(ctx context.Context, scanID string, eventID int, fp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.events[scanID]
	if !ok {
		return ErrScanNotFound
	}
	if eventID < 0 || eventID >= len(seq) {
		return ErrEventNotFound
	}
	seq[eventID].FalsePositive = fp
	return nil
}

// PutScanStatus implements Store.
func (m *Memory) PutScanStatus(ctx context.Context, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[st.ID] = st
	return nil
}

// GetScanStatus implements Store.
func (m *Memory) GetScanStatus(ctx context.Context, scanID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.status[scanID]
	if !ok {
		return Status{}, ErrScanNotFound
	}
	return st, nil
}

// ScanIDs implements Store.
func (m *Memory) ScanIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.status))
	for id := range m.status {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteScan implements Store.
func (m *Memory) DeleteScan(ctx context.Context, scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.status[scanID]; !ok {
		return ErrScanNotFound
	}
	delete(m.status, scanID)
	delete(m.events, scanID)
	return nil
}
