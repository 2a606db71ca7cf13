package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reconforge/reconforge/pkg/event"
)

// storeUnderTest lets the same suite run against every implementation.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemory()
	case "file":
		fs, err := NewFile(t.TempDir())
		if err != nil {
			t.Fatalf("NewFile: %v", err)
		}
		t.Cleanup(func() { fs.Close() })
		return fs
	default:
		t.Fatalf("unknown store %q", name)
		return nil
	}
}

func seedScan(t *testing.T, s Store, scanID string) {
	t.Helper()
	ctx := context.Background()

	err := s.PutScanStatus(ctx, Status{
		ID:     scanID,
		Target: event.Target{Value: "example.com", Type: event.TypeDomainName},
		State:  StateRunning,
	})
	if err != nil {
		t.Fatalf("PutScanStatus: %v", err)
	}

	evs := []event.Event{
		{ID: 0, Type: event.TypeDomainName, Data: "example.com", Source: event.NoSource, Confidence: 100, Created: time.Now()},
		{ID: 1, Type: event.TypeIPAddress, Data: "93.184.216.34", Module: "dnsresolve", Source: 0, Depth: 1, Risk: 10},
		{ID: 2, Type: event.TypeSSLCertIssued, Data: "CN=example.com", Module: "tlscert", Source: 1, Depth: 2, Risk: 50},
	}
	for i := range evs {
		if err := s.PutEvent(ctx, scanID, &evs[i]); err != nil {
			t.Fatalf("PutEvent %d: %v", i, err)
		}
	}
}

func TestStore_EventRoundTrip(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-1")

			evs, err := s.Events(ctx, "scan-1", Filter{})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 3 {
				t.Fatalf("got %d events, want 3", len(evs))
			}
			if !evs[0].IsRoot() {
				t.Error("first event should be root")
			}
			if evs[2].Source != 1 {
				t.Errorf("provenance lost: source = %d, want 1", evs[2].Source)
			}
		})
	}
}

func TestStore_FilterByTypeAndRisk(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-1")

			evs, err := s.Events(ctx, "scan-1", Filter{Types: []event.Type{event.TypeIPAddress}})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 1 || evs[0].Data != "93.184.216.34" {
				t.Errorf("type filter returned %v", evs)
			}

			evs, err = s.Events(ctx, "scan-1", Filter{MinRisk: 40})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 1 || evs[0].Type != event.TypeSSLCertIssued {
				t.Errorf("risk filter returned %v", evs)
			}
		})
	}
}

func TestStore_FalsePositiveModeration(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-1")

			if err := s.MarkFalsePositive(ctx, "scan-1", 1, true); err != nil {
				t.Fatalf("MarkFalsePositive: %v", err)
			}

			evs, err := s.Events(ctx, "scan-1", Filter{})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 2 {
				t.Errorf("FP event should be excluded by default, got %d events", len(evs))
			}

			evs, err = s.Events(ctx, "scan-1", Filter{IncludeFalsePositives: true})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 3 {
				t.Errorf("FP event should be included on request, got %d events", len(evs))
			}

			if err := s.MarkFalsePositive(ctx, "scan-1", 99, true); !errors.Is(err, ErrEventNotFound) {
				t.Errorf("expected ErrEventNotFound, got %v", err)
			}
		})
	}
}

func TestStore_DuplicateLinkageUpdate(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-1")

			// Re-put event 1 with an extended AlsoFrom, as the
			// dispatcher does on duplicate emission.
			ev := event.Event{ID: 1, Type: event.TypeIPAddress, Data: "93.184.216.34",
				Module: "dnsresolve", Source: 0, Depth: 1, Risk: 10, AlsoFrom: []int{2}}
			if err := s.PutEvent(ctx, "scan-1", &ev); err != nil {
				t.Fatalf("PutEvent update: %v", err)
			}

			evs, err := s.Events(ctx, "scan-1", Filter{})
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(evs) != 3 {
				t.Fatalf("duplicate update created a new row: %d events", len(evs))
			}
			if len(evs[1].AlsoFrom) != 1 || evs[1].AlsoFrom[0] != 2 {
				t.Errorf("AlsoFrom not persisted: %v", evs[1].AlsoFrom)
			}
		})
	}
}

func TestStore_StatusLifecycle(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-1")

			st, err := s.GetScanStatus(ctx, "scan-1")
			if err != nil {
				t.Fatalf("GetScanStatus: %v", err)
			}
			if st.State != StateRunning {
				t.Errorf("state = %s, want running", st.State)
			}

			st.State = StateFinished
			st.Truncated = true
			st.TotalEvents = 3
			if err := s.PutScanStatus(ctx, st); err != nil {
				t.Fatalf("PutScanStatus: %v", err)
			}

			got, err := s.GetScanStatus(ctx, "scan-1")
			if err != nil {
				t.Fatalf("GetScanStatus: %v", err)
			}
			if got.StateString() != "finished-truncated" {
				t.Errorf("StateString = %q, want finished-truncated", got.StateString())
			}

			if _, err := s.GetScanStatus(ctx, "nope"); !errors.Is(err, ErrScanNotFound) {
				t.Errorf("expected ErrScanNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ScanIDsAndDelete(t *testing.T) {
	for _, impl := range []string{"memory", "file"} {
		t.Run(impl, func(t *testing.T) {
			s := storeUnderTest(t, impl)
			ctx := context.Background()
			seedScan(t, s, "scan-b")
			seedScan(t, s, "scan-a")

			ids, err := s.ScanIDs(ctx)
			if err != nil {
				t.Fatalf("ScanIDs: %v", err)
			}
			if len(ids) != 2 || ids[0] != "scan-a" || ids[1] != "scan-b" {
				t.Errorf("ScanIDs = %v, want sorted [scan-a scan-b]", ids)
			}

			if err := s.DeleteScan(ctx, "scan-a"); err != nil {
				t.Fatalf("DeleteScan: %v", err)
			}
			if _, err := s.GetScanStatus(ctx, "scan-a"); !errors.Is(err, ErrScanNotFound) {
				t.Errorf("deleted scan still readable: %v", err)
			}
			if err := s.DeleteScan(ctx, "scan-a"); !errors.Is(err, ErrScanNotFound) {
				t.Errorf("double delete should report ErrScanNotFound, got %v", err)
			}
		})
	}
}

func TestFileStore_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	seedScan(t, fs, "scan-1")
	if err := fs.MarkFalsePositive(ctx, "scan-1", 2, true); err != nil {
		t.Fatalf("MarkFalsePositive: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh store over the same directory must replay the log,
	// keeping the last line per event ID.
	fs2, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile reopen: %v", err)
	}
	defer fs2.Close()

	evs, err := fs2.Events(ctx, "scan-1", Filter{IncludeFalsePositives: true})
	if err != nil {
		t.Fatalf("Events after reload: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events after reload, want 3", len(evs))
	}
	if !evs[2].FalsePositive {
		t.Error("false-positive flag lost across reload")
	}
}
