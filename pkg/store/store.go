// Package store defines the persistence collaborator the engine writes
// through. The engine treats it as a plain CRUD dependency: one
// append-only event sequence per scan plus a status record. Two
// implementations are provided, an in-memory store for tests and
// short-lived runs, and a JSON-file store for durable workspaces.
package store

import (
	"context"
	"time"

	"github.com/reconforge/reconforge/pkg/event"
)

// State is the persisted lifecycle state of a scan.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFinished State = "finished"
	StateAborted  State = "aborted"
	StateErrored  State = "errored"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateAborted, StateErrored:
		return true
	}
	return false
}

// Status is the persisted record of one scan's lifecycle. The scan
// controller is its sole writer.
type Status struct {
	ID        string       `json:"id"`
	Target    event.Target `json:"target"`
	State     State        `json:"state"`
	Truncated bool         `json:"truncated,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`

	// Modules is the resolved module set the scan ran with.
	Modules []string `json:"modules,omitempty"`

	// Degraded lists modules that were disabled mid-scan.
	Degraded []string `json:"degraded,omitempty"`

	// Warnings records limit truncations and forced module stops.
	Warnings []string `json:"warnings,omitempty"`

	// TotalEvents counts persisted events including the root event.
	TotalEvents int `json:"total_events"`
}

// StateString renders the user-visible status, distinguishing a clean
// finish from a truncated one.
func (s Status) StateString() string {
	if s.State == StateFinished && s.Truncated {
		return "finished-truncated"
	}
	return string(s.State)
}

// Filter narrows an event query. Zero value matches every event except
// those moderated as false positives.
type Filter struct {
	// Types restricts results to the given event types.
	Types []event.Type

	// Modules restricts results to events produced by the given modules.
	Modules []string

	// MinRisk drops events with a lower risk annotation.
	MinRisk int

	// IncludeFalsePositives returns moderated events as well.
	IncludeFalsePositives bool
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev *event.Event) bool {
	if ev.FalsePositive && !f.IncludeFalsePositives {
		return false
	}
	if ev.Risk < f.MinRisk {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Modules) > 0 {
		ok := false
		for _, m := range f.Modules {
			if ev.Module == m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Store is the CRUD surface the engine depends on. Implementations must
// be safe for concurrent use; the dispatcher serializes event writes per
// scan but distinct scans write concurrently.
type Store interface {
	// PutEvent inserts or replaces the event at its ID within the scan's
	// sequence. Replacement happens when a duplicate emission extends
	// the event's AlsoFrom linkage.
	PutEvent(ctx context.Context, scanID string, ev *event.Event) error

	// Events returns the scan's events passing the filter, in sequence
	// order.
	Events(ctx context.Context, scanID string, f Filter) ([]event.Event, error)

	// MarkFalsePositive sets or clears the false-positive flag on one
	// event.
	MarkFalsePositive(ctx context.Context, scanID string, eventID int, fp bool) error

	// PutScanStatus inserts or replaces the scan's status record.
	PutScanStatus(ctx context.Context, st Status) error

	// GetScanStatus returns the scan's status record.
	GetScanStatus(ctx context.Context, scanID string) (Status, error)

	// ScanIDs lists every scan known to the store.
	ScanIDs(ctx context.Context) ([]string, error)

	// DeleteScan removes a scan's status and all of its events.
	DeleteScan(ctx context.Context, scanID string) error
}
