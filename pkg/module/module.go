// Package module defines the contract every collection plugin
// implements and the process-wide registry of module descriptors. The
// engine depends only on this contract; concrete collectors live in
// pkg/modules and are instantiated once per scan.
package module

import (
	"context"

	"github.com/reconforge/reconforge/pkg/event"
)

// EmitFunc is handed to a module's HandleEvent so it can feed newly
// discovered facts back to the dispatcher. source is the inbound event
// the discovery derives from. Emission is idempotent: re-emitting an
// already-known fact succeeds without creating a second event.
type EmitFunc func(t event.Type, data string, source *event.Event) error

// Module is the capability interface for a collection plugin.
//
// WatchedEvents and ProducedEvents are pure and callable before Setup;
// the registry uses them to build the static dependency graph. Setup
// binds validated options and may fail fast, which puts the module in
// error state for the whole scan. HandleEvent runs on the module's own
// worker and may block on network I/O within the context's deadline.
// Finish is invoked exactly once after the event frontier is exhausted
// or the scan is stopped.
type Module interface {
	// Name returns the unique module name.
	Name() string

	// Summary returns a one-line description of what the module collects.
	Summary() string

	// WatchedEvents returns the event types the module consumes.
	// A module may return event.TypeWildcard to receive every event.
	WatchedEvents() []event.Type

	// ProducedEvents returns the event types the module may emit.
	ProducedEvents() []event.Type

	// Options describes the module's recognized configuration keys.
	Options() []Option

	// Setup validates and binds options before the scan starts.
	Setup(ctx context.Context, opts map[string]string) error

	// HandleEvent processes one inbound event, emitting zero or more
	// child events through emit. Errors are contained per event by the
	// controller and never abort the scan.
	HandleEvent(ctx context.Context, ev *event.Event, emit EmitFunc) error

	// Finish flushes any batched work at end of scan.
	Finish(ctx context.Context) error
}

// State tracks a module instance's health within one scan.
type State int

const (
	// StateOK means the module is routing normally.
	StateOK State = iota

	// StateDegraded means the module has recent handler failures but is
	// still receiving events.
	StateDegraded

	// StateError means the module is disabled for the remainder of the
	// scan; the dispatcher stops routing events to it.
	StateError
)

// String returns the state label used in scan status output.
func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Factory constructs a fresh module instance for one scan. Instances
// are never shared across scans.
type Factory func() Module
