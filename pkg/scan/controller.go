// Package scan implements the controller that owns one scan's
// lifecycle: its module instances, its dispatcher, its state machine
// and its termination conditions. Exactly one controller governs a scan
// id, and it is the sole writer of the scan's status record.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/reconforge/reconforge/pkg/bus"
	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/metrics"
	"github.com/reconforge/reconforge/pkg/module"
	"github.com/reconforge/reconforge/pkg/store"
)

// Defaults for the tunables left to configuration.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultHandlerTimeout         = 2 * time.Minute
	finishTimeout                 = 30 * time.Second
)

// Config configures a Controller. Store and Registry are required.
type Config struct {
	Store    store.Store
	Registry *module.Registry
	Logger   hclog.Logger
	Metrics  *metrics.Metrics

	// Dispatcher limits, zero means the bus defaults.
	MaxEvents  int
	MaxDepth   int
	MaxQueued  int
	MaxDataLen int

	// ModuleOptions carries per-module option maps keyed by module name.
	ModuleOptions map[string]map[string]string

	// MaxConsecutiveFailures disables a module after this many handler
	// failures in a row. Zero means the default of 3.
	MaxConsecutiveFailures int

	// HandlerTimeout bounds one HandleEvent invocation. A handler that
	// honors its context and returns the deadline error counts as one
	// failure. Zero means the default of 2 minutes.
	HandlerTimeout time.Duration
}

// moduleRun tracks one module instance's health within the scan.
type moduleRun struct {
	mod module.Module

	mu          sync.Mutex
	state       module.State
	consecutive int
}

func (mr *moduleRun) currentState() module.State {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.state
}

// Controller drives one scan from seed to terminal state.
type Controller struct {
	id     string
	target event.Target
	cfg    Config
	log    hclog.Logger
	met    *metrics.Metrics
	disp   *bus.Dispatcher

	mu            sync.Mutex
	state         store.State
	mods          []*moduleRun
	warnings      []string
	stopRequested bool
	startedAt     time.Time
	endedAt       time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New resolves the scan's module set from the target type, constructs
// fresh module instances, and persists the scan in the created state.
// selection, when non-empty, restricts which registered modules are
// considered.
func New(id string, target event.Target, selection []string, cfg Config) (*Controller, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, errors.New("scan: store and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}

	names, err := cfg.Registry.Resolve(target.Type, selection)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("scan: no module watches %s", target.Type)
	}

	c := &Controller{
		id:     id,
		target: target,
		cfg:    cfg,
		log:    cfg.Logger.Named("scan").With("scan", id),
		met:    cfg.Metrics,
		state:  store.StateCreated,
		done:   make(chan struct{}),
	}
	c.disp = bus.New(bus.Config{
		ScanID:     id,
		Store:      cfg.Store,
		Logger:     cfg.Logger.Named("bus").With("scan", id),
		Metrics:    cfg.Metrics,
		MaxEvents:  cfg.MaxEvents,
		MaxDepth:   cfg.MaxDepth,
		MaxQueued:  cfg.MaxQueued,
		MaxDataLen: cfg.MaxDataLen,
	})

	for _, name := range names {
		mod, err := cfg.Registry.New(name)
		if err != nil {
			return nil, err
		}
		c.mods = append(c.mods, &moduleRun{mod: mod})
	}

	if err := cfg.Store.PutScanStatus(context.Background(), c.snapshotLocked()); err != nil {
		return nil, fmt.Errorf("scan: persist created status: %w", err)
	}
	return c, nil
}

// ID returns the scan id.
func (c *Controller) ID() string { return c.id }

// Modules returns the resolved module names.
func (c *Controller) Modules() []string {
	names := make([]string, len(c.mods))
	for i, mr := range c.mods {
		names[i] = mr.mod.Name()
	}
	return names
}

// Start transitions the scan to running and processes it in the
// background until a terminal state. Use Wait to observe completion.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.state != store.StateCreated {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: start from %s", ErrBadState, c.state)
	}
	// cancel must be visible before the state reads running, so a
	// concurrent Stop always finds it.
	c.cancel = cancel
	c.state = store.StateRunning
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()

	c.met.ActiveScans.Inc()
	go c.run(runCtx)
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.met.ActiveScans.Dec()

	c.setupModules(ctx)
	c.disp.Start(ctx)
	c.persistStatus()

	if _, err := c.disp.Seed(c.target); err != nil {
		c.finalize(err)
		return
	}

	drainErr := c.disp.Drain(ctx)
	c.disp.Close()
	c.finishModules()
	c.finalize(drainErr)
}

// setupModules configures each instance, subscribing only the ones
// whose Setup succeeds. A setup failure is a ConfigError: the module is
// skipped for the whole scan, the scan continues.
func (c *Controller) setupModules(ctx context.Context) {
	for _, mr := range c.mods {
		name := mr.mod.Name()
		opts := c.cfg.ModuleOptions[name]
		if err := mr.mod.Setup(ctx, opts); err != nil {
			mr.mu.Lock()
			mr.state = module.StateError
			mr.mu.Unlock()
			c.met.ModulesDisabled.Inc()
			c.addWarning(fmt.Sprintf("module %s disabled: %v", name, err))
			c.log.Warn("module setup failed, skipping for this scan", "module", name, "error", err)
			continue
		}
		mr := mr
		if err := c.disp.Subscribe(name, mr.mod.WatchedEvents(), c.handlerFor(mr)); err != nil {
			c.log.Error("subscribe failed", "module", name, "error", err)
		}
	}
}

// handlerFor wraps a module's HandleEvent with timeout enforcement,
// panic containment and the consecutive-failure policy.
func (c *Controller) handlerFor(mr *moduleRun) bus.Handler {
	return func(ctx context.Context, ev *event.Event) {
		if mr.currentState() == module.StateError {
			return
		}

		hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		err := c.invoke(hctx, mr, ev)
		cancel()

		name := mr.mod.Name()
		if err == nil {
			mr.mu.Lock()
			mr.consecutive = 0
			if mr.state == module.StateDegraded {
				mr.state = module.StateOK
			}
			mr.mu.Unlock()
			return
		}

		c.met.HandlerFailures.WithLabelValues(name).Inc()
		c.log.Warn("handler failure contained", "module", name, "event", ev.ID, "error", err)

		mr.mu.Lock()
		mr.consecutive++
		mr.state = module.StateDegraded
		disable := mr.consecutive >= c.cfg.MaxConsecutiveFailures
		if disable {
			mr.state = module.StateError
		}
		n := mr.consecutive
		mr.mu.Unlock()

		if disable {
			c.disp.Disable(name)
			c.addWarning(fmt.Sprintf("module %s disabled after %d consecutive failures", name, n))
		}
	}
}

// invoke runs one handler call, converting panics into handler errors
// so a buggy module can never take the scan down.
func (c *Controller) invoke(ctx context.Context, mr *moduleRun, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()
	if herr := mr.mod.HandleEvent(ctx, ev, c.emitFor(mr)); herr != nil {
		return fmt.Errorf("%w: %v", ErrHandler, herr)
	}
	return nil
}

// emitFor tags emissions with the producing module's name. Dispatch
// faults surface to the module so it can stop early; everything else is
// idempotent success.
func (c *Controller) emitFor(mr *moduleRun) module.EmitFunc {
	name := mr.mod.Name()
	return func(t event.Type, data string, source *event.Event) error {
		_, err := c.disp.Emit(t, data, name, source)
		return err
	}
}

// finishModules runs each healthy module's end-of-scan hook exactly
// once, on a fresh context because the run context may be cancelled.
func (c *Controller) finishModules() {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	for _, mr := range c.mods {
		if mr.currentState() == module.StateError {
			continue
		}
		if err := mr.mod.Finish(ctx); err != nil {
			c.log.Warn("module finish failed", "module", mr.mod.Name(), "error", err)
		}
	}
}

// finalize decides the terminal state and persists it.
func (c *Controller) finalize(runErr error) {
	c.mu.Lock()
	switch {
	case errors.Is(runErr, bus.ErrControllerFault):
		c.state = store.StateErrored
		c.warnings = append(c.warnings, runErr.Error())
	case c.stopRequested, errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		c.state = store.StateAborted
	default:
		c.state = store.StateFinished
	}
	c.endedAt = time.Now().UTC()
	final := c.state
	c.mu.Unlock()

	c.met.ScansTotal.WithLabelValues(string(final)).Inc()
	c.persistStatus()
	c.log.Info("scan reached terminal state", "state", c.Status().StateString(),
		"events", c.disp.TotalEvents())
}

// Stop requests a cooperative abort: queued deliveries are discarded,
// in-flight handlers get their contexts cancelled and are allowed to
// return, then the scan lands in aborted.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != store.StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrBadState, c.state)
	}
	c.state = store.StateStopping
	c.stopRequested = true
	cancel := c.cancel
	c.mu.Unlock()

	c.persistStatus()
	c.disp.Stop()
	cancel()
	return nil
}

// Discard retires a scan that was created but never started. The scan
// lands in aborted rather than leaving a live-looking created row in
// the store, and Done is closed since no run will ever close it.
func (c *Controller) Discard() error {
	c.mu.Lock()
	if c.state != store.StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("%w: discard from %s", ErrBadState, c.state)
	}
	c.state = store.StateAborted
	c.endedAt = time.Now().UTC()
	c.mu.Unlock()

	c.met.ScansTotal.WithLabelValues(string(store.StateAborted)).Inc()
	c.persistStatus()
	close(c.done)
	return nil
}

// Wait blocks until the scan reaches a terminal state or ctx expires.
func (c *Controller) Wait(ctx context.Context) (store.Status, error) {
	select {
	case <-c.done:
		return c.Status(), nil
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// Done returns a channel closed when the scan reaches a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Status returns a point-in-time snapshot of the scan.
func (c *Controller) Status() store.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() store.Status {
	st := store.Status{
		ID:          c.id,
		Target:      c.target,
		State:       c.state,
		Truncated:   c.disp.Truncated(),
		StartedAt:   c.startedAt,
		EndedAt:     c.endedAt,
		Modules:     c.Modules(),
		TotalEvents: c.disp.TotalEvents(),
	}
	st.Warnings = append(st.Warnings, c.warnings...)
	st.Warnings = append(st.Warnings, c.disp.Warnings()...)
	for _, mr := range c.mods {
		if mr.currentState() != module.StateOK {
			st.Degraded = append(st.Degraded, mr.mod.Name())
		}
	}
	return st
}

func (c *Controller) addWarning(msg string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
}

func (c *Controller) persistStatus() {
	if err := c.cfg.Store.PutScanStatus(context.Background(), c.Status()); err != nil {
		c.log.Error("persist status failed", "error", err)
	}
}
