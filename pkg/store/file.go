package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/reconforge/reconforge/pkg/event"
)

// File is a JSON-file-backed Store. Each scan gets a directory under
// the base path holding a status.json record and an append-only
// events.jsonl log. Event rows are appended as emitted; a re-put of an
// existing ID (duplicate-linkage update) appends a superseding line,
// and the loader keeps the last line per ID.
//
// Data is stored as JSON for portability. For high-volume production
// use, back the Store interface with a database instead.
type File struct {
	mu       sync.Mutex
	basePath string

	// open event logs, one per scan currently being written
	logs map[string]*os.File

	// cached sequences, rebuilt from disk on first read
	cache map[string][]event.Event
}

// NewFile creates a file store rooted at basePath, creating the
// directory if needed.
func NewFile(basePath string) (*File, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base path: %w", err)
	}
	return &File{
		basePath: basePath,
		logs:     make(map[string]*os.File),
		cache:    make(map[string][]event.Event),
	}, nil
}

func (s *File) scanDir(scanID string) string {
	return filepath.Join(s.basePath, scanID)
}

// PutEvent implements Store.
func (s *File) PutEvent(ctx context.Context, scanID string, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.loadLocked(scanID)
	if err != nil {
		return err
	}
	switch {
	case ev.ID == len(seq):
		s.cache[scanID] = append(seq, *ev)
	case ev.ID >= 0 && ev.ID < len(seq):
		seq[ev.ID] = *ev
	default:
		return ErrEventNotFound
	}

	return s.appendLocked(scanID, ev)
}

func (s *File) appendLocked(scanID string, ev *event.Event) error {
	f, ok := s.logs[scanID]
	if !ok {
		if err := os.MkdirAll(s.scanDir(scanID), 0o755); err != nil {
			return fmt.Errorf("store: create scan dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(filepath.Join(s.scanDir(scanID), "events.jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("store: open event log: %w", err)
		}
		s.logs[scanID] = f
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// loadLocked returns the scan's event sequence, reading it from disk on
// first access. The caller must hold s.mu.
func (s *File) loadLocked(scanID string) ([]event.Event, error) {
	if seq, ok := s.cache[scanID]; ok {
		return seq, nil
	}

	path := filepath.Join(s.scanDir(scanID), "events.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.cache[scanID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open event log: %w", err)
	}
	defer f.Close()

	byID := make(map[int]event.Event)
	maxID := -1
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev event.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("store: corrupt event log %s: %w", path, err)
		}
		byID[ev.ID] = ev
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read event log: %w", err)
	}

	seq := make([]event.Event, maxID+1)
	for id, ev := range byID {
		seq[id] = ev
	}
	s.cache[scanID] = seq
	return seq, nil
}

// Events implements Store.
func (s *File) Events(ctx context.Context, scanID string, f Filter) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.statusLocked(scanID); err != nil {
		return nil, err
	}
	seq, err := s.loadLocked(scanID)
	if err != nil {
		return nil, err
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
func (s *File) MarkFalsePositive(ctx context.Context, scanID string, eventID int, fp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.statusLocked(scanID); err != nil {
		return err
	}
	seq, err := s.loadLocked(scanID)
	if err != nil {
		return err
	}
	if eventID < 0 || eventID >= len(seq) {
		return ErrEventNotFound
	}
	seq[eventID].FalsePositive = fp
	return s.appendLocked(scanID, &seq[eventID])
}

// PutScanStatus implements Store.
func (s *File) PutScanStatus(ctx context.Context, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.scanDir(st.ID), 0o755); err != nil {
		return fmt.Errorf("store: create scan dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode status: %w", err)
	}

	// Write-then-rename keeps the status readable by concurrent readers.
	path := filepath.Join(s.scanDir(st.ID), "status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write status: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: replace status: %w", err)
	}
	return nil
}

func (s *File) statusLocked(scanID string) (Status, error) {
	data, err := os.ReadFile(filepath.Join(s.scanDir(scanID), "status.json"))
	if os.IsNotExist(err) {
		return Status{}, ErrScanNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("store: read status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("store: corrupt status for %s: %w", scanID, err)
	}
	return st, nil
}

// GetScanStatus implements Store.
func (s *File) GetScanStatus(ctx context.Context, scanID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(scanID)
}

// ScanIDs implements Store.
func (s *File) ScanIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("store: list scans: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.basePath, e.Name(), "status.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteScan implements Store.
func (s *File) DeleteScan(ctx context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.statusLocked(scanID); err != nil {
		return err
	}
	if f, ok := s.logs[scanID]; ok {
		f.Close()
		delete(s.logs, scanID)
	}
	delete(s.cache, scanID)
	return os.RemoveAll(s.scanDir(scanID))
}

// Close flushes and closes any open event logs.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, f := range s.logs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, id)
	}
	return firstErr
}
