// Package engine is the embedding surface of the scanner: it owns the
// store, the module registry and the live scan controllers, and exposes
// the operations the CLI and tests drive. One Engine serves many scans.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/reconforge/reconforge/pkg/config"
	"github.com/reconforge/reconforge/pkg/correlate"
	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/logging"
	"github.com/reconforge/reconforge/pkg/metrics"
	"github.com/reconforge/reconforge/pkg/module"
	"github.com/reconforge/reconforge/pkg/scan"
	"github.com/reconforge/reconforge/pkg/store"
)

// Engine hosts scans and correlation over one shared store.
type Engine struct {
	cfg      config.Config
	store    store.Store
	registry *module.Registry
	log      hclog.Logger
	met      *metrics.Metrics

	mu    sync.Mutex
	scans map[string]*scan.Controller
}

// Options customizes engine construction beyond the file config.
type Options struct {
	// Store overrides the backend the config would select.
	Store store.Store

	// Registry supplies the module set. Required.
	Registry *module.Registry

	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// New builds an engine from configuration. When opts.Store is nil the
// backend is chosen by cfg.Store.Kind.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("reconforge", cfg.Log.Level)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: opts.Registry,
		log:      opts.Logger,
		met:      opts.Metrics,
		scans:    make(map[string]*scan.Controller),
	}, nil
}

func openStore(sc config.StoreConfig) (store.Store, error) {
	switch sc.Kind {
	case "", "memory":
		return store.NewMemory(), nil
	case "file":
		return store.NewFile(sc.Path)
	default:
		return nil, fmt.Errorf("engine: unknown store kind %q", sc.Kind)
	}
}

// Store exposes the backing store for read paths like exports.
func (e *Engine) Store() store.Store { return e.store }

// Registry exposes the module registry for discovery commands.
func (e *Engine) Registry() *module.Registry { return e.registry }

// CreateScan resolves modules for the target and persists a scan in
// the created state. The returned id addresses the scan everywhere
// else. moduleOptions overrides the config file per module; selection,
// when non-empty, restricts the module pool by name.
func (e *Engine) CreateScan(target event.Target, selection []string, moduleOptions map[string]map[string]string) (string, error) {
	id := uuid.NewString()

	merged := make(map[string]map[string]string, len(e.cfg.Modules)+len(moduleOptions))
	for name, opts := range e.cfg.Modules {
		merged[name] = opts
	}
	for name, opts := range moduleOptions {
		merged[name] = opts
	}

	c, err := scan.New(id, target, selection, scan.Config{
		Store:                  e.store,
		Registry:               e.registry,
		Logger:                 e.log,
		Metrics:                e.met,
		MaxEvents:              e.cfg.Scan.MaxEvents,
		MaxDepth:               e.cfg.Scan.MaxDepth,
		MaxQueued:              e.cfg.Scan.MaxQueued,
		MaxDataLen:             e.cfg.Scan.MaxDataLen,
		MaxConsecutiveFailures: e.cfg.Scan.MaxConsecutiveFailures,
		HandlerTimeout:         e.cfg.Scan.HandlerTimeout.Std(),
		ModuleOptions:          merged,
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.scans[id] = c
	e.mu.Unlock()
	return id, nil
}

// StartScan begins background processing of a created scan.
func (e *Engine) StartScan(ctx context.Context, id string) error {
	c, err := e.controller(id)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

// StopScan requests a cooperative abort of a running scan.
func (e *Engine) StopScan(id string) error {
	c, err := e.controller(id)
	if err != nil {
		return err
	}
	return c.Stop()
}

// WaitScan blocks until the scan reaches a terminal state or ctx
// expires, returning the final status.
func (e *Engine) WaitScan(ctx context.Context, id string) (store.Status, error) {
	c, err := e.controller(id)
	if err != nil {
		return store.Status{}, err
	}
	return c.Wait(ctx)
}

// ScanStatus returns the scan's status: live from the controller when
// the scan is hosted here, otherwise from the store.
func (e *Engine) ScanStatus(ctx context.Context, id string) (store.Status, error) {
	e.mu.Lock()
	c, ok := e.scans[id]
	e.mu.Unlock()
	if ok {
		return c.Status(), nil
	}
	return e.store.GetScanStatus(ctx, id)
}

// Events returns the scan's persisted events passing the filter.
func (e *Engine) Events(ctx context.Context, id string, f store.Filter) ([]event.Event, error) {
	return e.store.Events(ctx, id, f)
}

// MarkFalsePositive moderates one event in or out of correlation and
// filtered reads.
func (e *Engine) MarkFalsePositive(ctx context.Context, id string, eventID int, fp bool) error {
	return e.store.MarkFalsePositive(ctx, id, eventID, fp)
}

// ScanIDs lists every scan known to the store.
func (e *Engine) ScanIDs(ctx context.Context) ([]string, error) {
	return e.store.ScanIDs(ctx)
}

// DeleteScan removes a scan's events and status. Hosted controllers in
// a terminal state are dropped; deleting a live scan is refused.
func (e *Engine) DeleteScan(ctx context.Context, id string) error {
	e.mu.Lock()
	if c, ok := e.scans[id]; ok {
		select {
		case <-c.Done():
			delete(e.scans, id)
		default:
			e.mu.Unlock()
			return fmt.Errorf("%w: scan %s is still running", scan.ErrBadState, id)
		}
	}
	e.mu.Unlock()
	return e.store.DeleteScan(ctx, id)
}

// Correlate runs the builtin rules, plus any configured rule
// directory, over the given scans. With no ids it covers every scan in
// the store; with ruleIDs non-empty only the named rules run, and an
// unknown rule id is an error.
func (e *Engine) Correlate(ctx context.Context, scanIDs, ruleIDs []string) ([]correlate.Finding, error) {
	if len(scanIDs) == 0 {
		var err error
		scanIDs, err = e.store.ScanIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	rules, err := correlate.Builtin()
	if err != nil {
		return nil, err
	}
	if dir := e.cfg.Correlation.RuleDir; dir != "" {
		extra, errs := correlate.LoadDir(dir)
		for _, lerr := range errs {
			e.log.Warn("skipping invalid correlation rule", "error", lerr)
		}
		rules = append(rules, extra...)
	}
	if len(ruleIDs) > 0 {
		byID := make(map[string]correlate.Rule, len(rules))
		for _, r := range rules {
			byID[r.ID] = r
		}
		picked := make([]correlate.Rule, 0, len(ruleIDs))
		for _, id := range ruleIDs {
			r, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: unknown rule %s", correlate.ErrRuleInvalid, id)
			}
			picked = append(picked, r)
		}
		rules = picked
	}

	ce, err := correlate.NewEngine(correlate.EngineConfig{
		Store:   e.store,
		Logger:  e.log,
		Metrics: e.met,
		Workers: e.cfg.Correlation.Workers,
	})
	if err != nil {
		return nil, err
	}
	defer ce.Close()

	return ce.Run(ctx, scanIDs, rules)
}

// Close stops every live scan, retires created-but-never-started scans
// as aborted, and releases the store if it holds resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	cs := make([]*scan.Controller, 0, len(e.scans))
	for _, c := range e.scans {
		cs = append(cs, c)
	}
	e.mu.Unlock()

	for _, c := range cs {
		if err := c.Discard(); err == nil {
			continue
		}
		if err := c.Stop(); err == nil {
			<-c.Done()
		}
	}

	if closer, ok := e.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (e *Engine) controller(id string) (*scan.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.scans[id]
	if !ok {
		return nil, store.ErrScanNotFound
	}
	return c, nil
}
