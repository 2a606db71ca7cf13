// Package bus implements the event dispatcher for one scan: it accepts
// emissions from module workers, de-duplicates them against the scan's
// event arena, persists survivors, and routes them to every subscribed
// module with per-module FIFO ordering.
//
// The dispatcher is the single serialization point of a scan. All
// mutations of shared scan state (the dedup index, the event arena,
// frontier counters) happen under one mutex, while module handlers run
// unsynchronized in parallel on their own workers.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/metrics"
	"github.com/reconforge/reconforge/pkg/store"
)

// Default limits. All are overridable through Config.
const (
	DefaultMaxEvents  = 10000
	DefaultMaxDepth   = 16
	DefaultMaxQueued  = 5000
	DefaultMaxDataLen = 4096
)

// Handler processes one delivered event on the subscriber's worker.
type Handler func(ctx context.Context, ev *event.Event)

// Config configures a Dispatcher. Store is required; everything else
// has working defaults.
type Config struct {
	ScanID  string
	Store   store.Store
	Logger  hclog.Logger
	Metrics *metrics.Metrics

	// MaxEvents caps persisted events per scan, root included.
	MaxEvents int

	// MaxDepth caps provenance-graph depth from the root.
	MaxDepth int

	// MaxQueued caps undelivered deliveries across all module queues.
	MaxQueued int

	// MaxDataLen truncates event data beyond this many bytes.
	MaxDataLen int
}

type subscriber struct {
	name     string
	watched  map[event.Type]bool
	wildcard bool
	handler  Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*event.Event
	closed bool
}

func (s *subscriber) wants(t event.Type) bool {
	return s.wildcard || s.watched[t]
}

// Dispatcher routes events for a single scan. Emit is safe to call
// concurrently from any module worker.
type Dispatcher struct {
	cfg Config
	log hclog.Logger
	met *metrics.Metrics

	mu   sync.Mutex
	cond *sync.Cond // signalled when pending drops to zero or state changes

	subs      []*subscriber
	subByName map[string]*subscriber
	disabled  map[string]bool

	seen    map[uint64]int // fingerprint -> arena index
	arena   []*event.Event // append-only per-scan event sequence
	pending int            // deliveries queued or in a handler
	queued  int            // deliveries queued but not yet picked up

	started   bool
	stopped   bool
	truncated bool
	fault     error
	warnings  []string
	warned    map[string]bool

	wg sync.WaitGroup
}

// New creates a dispatcher for one scan.
func New(cfg Config) *Dispatcher {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.MaxDataLen <= 0 {
		cfg.MaxDataLen = DefaultMaxDataLen
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		log:       cfg.Logger,
		met:       cfg.Metrics,
		subByName: make(map[string]*subscriber),
		disabled:  make(map[string]bool),
		seen:      make(map[uint64]int),
		warned:    make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Subscribe registers a module's delivery queue and handler. Must be
// called before Start.
func (d *Dispatcher) Subscribe(name string, watched []event.Type, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("bus: subscribe after start for %q", name)
	}
	if _, ok := d.subByName[name]; ok {
		return fmt.Errorf("bus: duplicate subscriber %q", name)
	}

	s := &subscriber{
		name:    name,
		watched: make(map[event.Type]bool, len(watched)),
		handler: h,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, t := range watched {
		if t == event.TypeWildcard {
			s.wildcard = true
			continue
		}
		s.watched[t] = true
	}
	d.subs = append(d.subs, s)
	d.subByName[name] = s
	return nil
}

// Start launches one worker goroutine per subscriber. Handlers receive
// ctx; cancelling it is the cooperative stop signal for long-running
// module work.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	subs := d.subs
	d.mu.Unlock()

	for _, s := range subs {
		d.wg.Add(1)
		go d.work(ctx, s)
	}
}

func (d *Dispatcher) work(ctx context.Context, s *subscriber) {
	defer d.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		d.mu.Lock()
		d.queued--
		d.mu.Unlock()

		s.handler(ctx, ev)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	}
}

// Seed emits the scan's root event. The root carries the target's own
// type so that routing needs no special case, and is identifiable by
// its empty module name and NoSource back-reference.
func (d *Dispatcher) Seed(target event.Target) (*event.Event, error) {
	return d.Emit(target.Type, target.Value, "", nil)
}

// Emit accepts a newly discovered fact from module (empty for the
// root), de-duplicates it, persists it, and enqueues it for delivery.
//
// Emission is idempotent: a duplicate of an existing event extends that
// event's AlsoFrom linkage and returns the surviving event with a nil
// error. Events suppressed by limits or by a stopping scan return
// (nil, nil); the loss is recorded as a scan warning, never silently.
// Only a persistence fault returns an error.
func (d *Dispatcher) Emit(t event.Type, data, module string, source *event.Event) (*event.Event, error) {
	if len(data) > d.cfg.MaxDataLen {
		data = data[:d.cfg.MaxDataLen]
		d.mu.Lock()
		d.warnOnce("data_truncated", "event data truncated to %d bytes", d.cfg.MaxDataLen)
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fault != nil {
		return nil, d.fault
	}
	if d.stopped {
		d.met.EventsDropped.WithLabelValues("stopped").Inc()
		return nil, nil
	}

	hash := event.Fingerprint(t, data, module)
	if id, ok := d.seen[hash]; ok {
		d.met.EventsDeduplicated.Inc()
		return d.linkDuplicate(id, source)
	}

	depth := 0
	sourceID := event.NoSource
	if source != nil {
		depth = source.Depth + 1
		sourceID = source.ID
	}
	if depth > d.cfg.MaxDepth {
		d.truncate("max_depth", "provenance depth limit %d reached", d.cfg.MaxDepth)
		return nil, nil
	}
	if len(d.arena) >= d.cfg.MaxEvents {
		d.truncate("max_events", "event limit %d reached", d.cfg.MaxEvents)
		return nil, nil
	}

	ev := &event.Event{
		ID:         len(d.arena),
		Type:       t,
		Data:       data,
		Module:     module,
		Source:     sourceID,
		Depth:      depth,
		Confidence: 100,
		Visibility: 100,
		Hash:       hash,
		Created:    time.Now().UTC(),
	}

	if err := d.cfg.Store.PutEvent(context.Background(), d.cfg.ScanID, ev); err != nil {
		d.fault = fmt.Errorf("%w: %v", ErrControllerFault, err)
		d.cond.Broadcast()
		return nil, d.fault
	}

	d.arena = append(d.arena, ev)
	d.seen[hash] = ev.ID
	d.met.EventsEmitted.WithLabelValues(string(t)).Inc()
	d.log.Debug("event accepted", "id", ev.ID, "type", t, "module", module, "depth", depth)

	d.route(ev)
	return ev, nil
}

// linkDuplicate records an extra provenance edge on the surviving
// event. Caller holds d.mu.
func (d *Dispatcher) linkDuplicate(id int, source *event.Event) (*event.Event, error) {
	ev := d.arena[id]
	if source == nil || source.ID == id || source.ID == ev.Source {
		return ev, nil
	}
	for _, s := range ev.AlsoFrom {
		if s == source.ID {
			return ev, nil
		}
	}
	ev.AlsoFrom = append(ev.AlsoFrom, source.ID)
	if err := d.cfg.Store.PutEvent(context.Background(), d.cfg.ScanID, ev); err != nil {
		d.fault = fmt.Errorf("%w: %v", ErrControllerFault, err)
		d.cond.Broadcast()
		return nil, d.fault
	}
	return ev, nil
}

// route enqueues ev for every interested, still-enabled subscriber.
// Caller holds d.mu.
func (d *Dispatcher) route(ev *event.Event) {
	for _, s := range d.subs {
		if !s.wants(ev.Type) || d.disabled[s.name] {
			continue
		}
		if d.queued >= d.cfg.MaxQueued {
			d.truncate("max_queued", "in-flight delivery limit %d reached", d.cfg.MaxQueued)
			return
		}
		d.pending++
		d.queued++
		s.mu.Lock()
		s.queue = append(s.queue, ev)
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// truncate records a limit hit. The scan drains toward an early finish
// with the truncation flag set; this is a warning, not an error.
// Caller holds d.mu.
func (d *Dispatcher) truncate(reason, format string, args ...any) {
	d.truncated = true
	d.met.EventsDropped.WithLabelValues(reason).Inc()
	d.warnOnce(reason, format, args...)
}

// warnOnce appends a scan-level warning the first time reason occurs.
// Caller holds d.mu.
func (d *Dispatcher) warnOnce(reason, format string, args ...any) {
	if d.warned[reason] {
		return
	}
	d.warned[reason] = true
	msg := fmt.Sprintf(format, args...)
	d.warnings = append(d.warnings, msg)
	d.log.Warn(msg, "scan", d.cfg.ScanID)
}

// Disable stops routing events to the named module and discards its
// queued deliveries. Used when a module transitions to error state.
func (d *Dispatcher) Disable(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disabled[name] {
		return
	}
	d.disabled[name] = true
	d.met.ModulesDisabled.Inc()

	s, ok := d.subByName[name]
	if !ok {
		return
	}
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	d.pending -= dropped
	d.queued -= dropped
	if d.pending == 0 {
		d.cond.Broadcast()
	}
}

// Stop suppresses all further dispatch: queued deliveries are
// discarded and subsequent Emit calls become no-ops, while handlers
// already running are left to finish. Used on an external stop request.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true

	for _, s := range d.subs {
		s.mu.Lock()
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()
		d.pending -= dropped
		d.queued -= dropped
	}
	d.cond.Broadcast()
}

// Drain blocks until the event frontier is exhausted: every queued
// delivery handed to a handler and every handler returned. It also
// returns on stop, on a persistence fault, or when ctx is cancelled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 && d.fault == nil && ctx.Err() == nil {
		d.cond.Wait()
	}
	if d.fault != nil {
		return d.fault
	}
	return ctx.Err()
}

// Close shuts down the subscriber workers after their queues empty and
// waits for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	d.wg.Wait()
}

// TotalEvents returns the number of events accepted so far, root
// included.
func (d *Dispatcher) TotalEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.arena)
}

// Truncated reports whether any limit was hit.
func (d *Dispatcher) Truncated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.truncated
}

// Warnings returns the scan-level warnings recorded so far.
func (d *Dispatcher) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.warnings...)
}

// Event returns the arena entry at index id, or nil when out of range.
func (d *Dispatcher) Event(id int) *event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.arena) {
		return nil
	}
	return d.arena[id]
}
