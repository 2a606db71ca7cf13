// Package workspace groups related targets and fans scans out over
// them with bounded parallelism, so assessing an organization's whole
// footprint is one operation instead of a shell loop.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/reconforge/reconforge/pkg/correlate"
	"github.com/reconforge/reconforge/pkg/engine"
	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/logging"
	"github.com/reconforge/reconforge/pkg/store"
)

// Workspace is a named set of targets and the scans run against them.
type Workspace struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Targets []event.Target `json:"targets"`
	ScanIDs []string       `json:"scan_ids,omitempty"`
	Created time.Time      `json:"created"`
}

// New creates a workspace over the given targets.
func New(name string, targets []event.Target) (*Workspace, error) {
	if name == "" {
		return nil, fmt.Errorf("workspace: name is required")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("workspace: at least one target is required")
	}
	for _, tgt := range targets {
		if err := tgt.Validate(); err != nil {
			return nil, fmt.Errorf("workspace: target %q: %w", tgt.Value, err)
		}
	}
	return &Workspace{
		ID:      uuid.NewString(),
		Name:    name,
		Targets: targets,
		Created: time.Now().UTC(),
	}, nil
}

// AddTarget appends a validated target to the workspace.
func (w *Workspace) AddTarget(tgt event.Target) error {
	if err := tgt.Validate(); err != nil {
		return fmt.Errorf("workspace: target %q: %w", tgt.Value, err)
	}
	w.Targets = append(w.Targets, tgt)
	return nil
}

// Save writes the workspace as JSON. The write goes through a temp
// file and rename so a crash never leaves a torn document.
func (w *Workspace) Save(path string) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a workspace document.
func Load(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w Workspace
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("workspace: %s: %w", path, err)
	}
	return &w, nil
}

// Orchestrator runs a workspace's scans through an engine.
type Orchestrator struct {
	eng      *engine.Engine
	log      hclog.Logger
	parallel int
}

// NewOrchestrator creates an orchestrator running at most parallel
// scans at a time. Non-positive parallel means 2.
func NewOrchestrator(eng *engine.Engine, parallel int, logger hclog.Logger) *Orchestrator {
	if parallel <= 0 {
		parallel = 2
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{eng: eng, log: logger.Named("workspace"), parallel: parallel}
}

// Run scans every target in the workspace, at most the configured
// number concurrently, and records the scan ids on the workspace. It
// returns the terminal statuses in target order. A failing scan does
// not stop the others; the first creation or wait error is returned
// after everything settles.
func (o *Orchestrator) Run(ctx context.Context, ws *Workspace, selection []string) ([]store.Status, error) {
	// Create everything up front so the workspace records a scan id
	// per target even when a later start fails.
	ids := make([]string, len(ws.Targets))
	var firstErr error
	for i, tgt := range ws.Targets {
		id, err := o.eng.CreateScan(tgt, selection, nil)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("create scan for %q: %w", tgt.Value, err)
			}
			continue
		}
		ids[i] = id
		ws.ScanIDs = append(ws.ScanIDs, id)
	}

	statuses := make([]store.Status, len(ws.Targets))
	sem := make(chan struct{}, o.parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, id := range ids {
		if id == "" {
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := o.eng.StartScan(ctx, id); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			o.log.Info("scan started", "scan", id, "target", ws.Targets[i].Value)

			st, err := o.eng.WaitScan(ctx, id)
			mu.Lock()
			statuses[i] = st
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(i, id)
	}
	wg.Wait()
	return statuses, firstErr
}

// Correlate runs the engine's rule set over the workspace's scans.
func (o *Orchestrator) Correlate(ctx context.Context, ws *Workspace) ([]correlate.Finding, error) {
	return o.eng.Correlate(ctx, ws.ScanIDs, nil)
}
