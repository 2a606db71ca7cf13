package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/module"
	"github.com/reconforge/reconforge/pkg/store"
)

// scripted is a test module driven by a handler function.
type scripted struct {
	name     string
	watched  []event.Type
	produced []event.Type
	options  []module.Option
	handle   func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error

	mu       sync.Mutex
	handled  int
	finished int
}

func (m *scripted) Name() string                 { return m.name }
func (m *scripted) Summary() string              { return "scripted test module" }
func (m *scripted) WatchedEvents() []event.Type  { return m.watched }
func (m *scripted) ProducedEvents() []event.Type { return m.produced }
func (m *scripted) Options() []module.Option     { return m.options }

func (m *scripted) Setup(ctx context.Context, opts map[string]string) error {
	_, err := module.ResolveOptions(m.options, opts)
	return err
}

func (m *scripted) HandleEvent(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
	m.mu.Lock()
	m.handled++
	m.mu.Unlock()
	if m.handle != nil {
		return m.handle(ctx, ev, emit)
	}
	return nil
}

func (m *scripted) Finish(ctx context.Context) error {
	m.mu.Lock()
	m.finished++
	m.mu.Unlock()
	return nil
}

func (m *scripted) counts() (handled, finished int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled, m.finished
}

func testConfig(t *testing.T, reg *module.Registry) (Config, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return Config{Store: mem, Registry: reg}, mem
}

func runScan(t *testing.T, cfg Config, target event.Target, selection []string) store.Status {
	t.Helper()
	c, err := New("scan-1", target, selection, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestController_HappyPathCascade(t *testing.T) {
	reg := module.NewRegistry()
	a := &scripted{
		name:     "modA",
		watched:  []event.Type{event.TypeDomainName},
		produced: []event.Type{event.TypeIPAddress},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			return emit(event.TypeIPAddress, "93.184.216.34", ev)
		},
	}
	b := &scripted{
		name:     "modB",
		watched:  []event.Type{event.TypeIPAddress},
		produced: []event.Type{event.TypeSSLCertIssued},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			return emit(event.TypeSSLCertIssued, "CN=example.com", ev)
		},
	}
	reg.MustRegister(func() module.Module { return a })
	reg.MustRegister(func() module.Module { return b })

	cfg, mem := testConfig(t, reg)
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)

	assert.Equal(t, "finished", st.StateString())
	assert.Equal(t, 3, st.TotalEvents, "root, ip and cert (root counts)")
	assert.Empty(t, st.Degraded)

	evs, err := mem.Events(context.Background(), "scan-1", store.Filter{})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.True(t, evs[0].IsRoot())
	assert.Equal(t, 0, evs[1].Source)
	assert.Equal(t, 1, evs[2].Source)

	_, aFinished := a.counts()
	_, bFinished := b.counts()
	assert.Equal(t, 1, aFinished, "finish hook runs exactly once")
	assert.Equal(t, 1, bFinished)

	persisted, err := mem.GetScanStatus(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFinished, persisted.State)
}

func TestController_SetupFailureSkipsModuleScanFinishes(t *testing.T) {
	reg := module.NewRegistry()
	needsKey := &scripted{
		name:    "needskey",
		watched: []event.Type{event.TypeDomainName},
		options: []module.Option{{Name: "api_key", Type: module.OptionString, Required: true}},
	}
	healthy := &scripted{
		name:     "healthy",
		watched:  []event.Type{event.TypeDomainName},
		produced: []event.Type{event.TypeIPAddress},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			return emit(event.TypeIPAddress, "10.0.0.1", ev)
		},
	}
	reg.MustRegister(func() module.Module { return needsKey })
	reg.MustRegister(func() module.Module { return healthy })

	cfg, _ := testConfig(t, reg)
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)

	assert.Equal(t, "finished", st.StateString(), "scan must finish on the healthy module")
	assert.Contains(t, st.Degraded, "needskey")
	assert.NotEmpty(t, st.Warnings)

	handled, _ := needsKey.counts()
	assert.Zero(t, handled, "failed-setup module must receive no events")
}

func TestController_ConsecutiveFailuresDisableModule(t *testing.T) {
	reg := module.NewRegistry()
	flaky := &scripted{
		name:    "flaky",
		watched: []event.Type{event.TypeInternetName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			return errors.New("upstream 500")
		},
	}
	feeder := &scripted{
		name:     "feeder",
		watched:  []event.Type{event.TypeDomainName},
		produced: []event.Type{event.TypeInternetName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			for i := 0; i < 10; i++ {
				if err := emit(event.TypeInternetName, fmt.Sprintf("h%d.example.com", i), ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	reg.MustRegister(func() module.Module { return flaky })
	reg.MustRegister(func() module.Module { return feeder })

	cfg, _ := testConfig(t, reg)
	cfg.MaxConsecutiveFailures = 3
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)

	assert.Equal(t, "finished", st.StateString())
	assert.Contains(t, st.Degraded, "flaky")

	handled, _ := flaky.counts()
	assert.Equal(t, 3, handled, "module must be cut off at the failure threshold")
}

func TestController_PanicContained(t *testing.T) {
	reg := module.NewRegistry()
	bomb := &scripted{
		name:    "bomb",
		watched: []event.Type{event.TypeDomainName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			panic("boom")
		},
	}
	reg.MustRegister(func() module.Module { return bomb })

	cfg, _ := testConfig(t, reg)
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)
	assert.Equal(t, "finished", st.StateString(), "a panicking module must not kill the scan")
}

func TestController_StopAborts(t *testing.T) {
	reg := module.NewRegistry()
	block := make(chan struct{})
	slow := &scripted{
		name:     "slow",
		watched:  []event.Type{event.TypeDomainName, event.TypeInternetName},
		produced: []event.Type{event.TypeInternetName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			if ev.IsRoot() {
				close(block)
				// Long-running module work polls the stop signal.
				<-ctx.Done()
				return nil
			}
			return emit(event.TypeInternetName, "sub."+ev.Data, ev)
		},
	}
	reg.MustRegister(func() module.Module { return slow })

	cfg, _ := testConfig(t, reg)
	c, err := New("scan-1", event.Target{Value: "example.com", Type: event.TypeDomainName}, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	<-block
	require.NoError(t, c.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "aborted", st.StateString())

	// Stop on a terminal scan is a state error.
	assert.ErrorIs(t, c.Stop(), ErrBadState)
}

func TestController_StopRacingStartCancelsRun(t *testing.T) {
	for i := 0; i < 25; i++ {
		reg := module.NewRegistry()
		slow := &scripted{
			name:    "slow",
			watched: []event.Type{event.TypeDomainName},
			handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
				<-ctx.Done()
				return nil
			},
		}
		reg.MustRegister(func() module.Module { return slow })

		cfg, _ := testConfig(t, reg)
		c, err := New("scan-1", event.Target{Value: "example.com", Type: event.TypeDomainName}, nil, cfg)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, c.Start(context.Background()))
		}()
		go func() {
			defer wg.Done()
			// Stop must observe the run context's cancel func as soon
			// as the scan reads as running, however the race falls.
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if c.Stop() == nil {
					return
				}
			}
			t.Error("scan never became stoppable")
		}()
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		st, err := c.Wait(ctx)
		cancel()
		require.NoError(t, err, "a won Stop must cancel the run promptly")
		assert.Equal(t, "aborted", st.StateString())
	}
}

func TestController_DoubleStartRejected(t *testing.T) {
	reg := module.NewRegistry()
	reg.MustRegister(func() module.Module {
		return &scripted{name: "noop", watched: []event.Type{event.TypeDomainName}}
	})

	cfg, _ := testConfig(t, reg)
	c, err := New("scan-1", event.Target{Value: "example.com", Type: event.TypeDomainName}, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrBadState)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.Wait(ctx)
	require.NoError(t, err)
}

func TestController_TruncationFlagOnLimit(t *testing.T) {
	reg := module.NewRegistry()
	noisy := &scripted{
		name:     "noisy",
		watched:  []event.Type{event.TypeDomainName},
		produced: []event.Type{event.TypeInternetName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			for i := 0; i < 100; i++ {
				if err := emit(event.TypeInternetName, fmt.Sprintf("h%d.example.com", i), ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	reg.MustRegister(func() module.Module { return noisy })

	cfg, _ := testConfig(t, reg)
	cfg.MaxEvents = 10
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)

	assert.Equal(t, "finished-truncated", st.StateString(),
		"limit overflow completes the scan with the truncation flag")
	assert.Equal(t, 10, st.TotalEvents)
	assert.NotEmpty(t, st.Warnings)
}

func TestController_RejectsInvalidTarget(t *testing.T) {
	reg := module.NewRegistry()
	reg.MustRegister(func() module.Module {
		return &scripted{name: "noop", watched: []event.Type{event.TypeDomainName}}
	})
	cfg, _ := testConfig(t, reg)

	_, err := New("scan-1", event.Target{Value: "", Type: event.TypeDomainName}, nil, cfg)
	assert.ErrorIs(t, err, event.ErrEmptyTarget)

	_, err = New("scan-1", event.Target{Value: "x@example.com", Type: event.TypeEmailAddr}, nil, cfg)
	assert.Error(t, err, "no module watches EMAILADDR in this registry")
}

func TestController_HandlerTimeoutCountsAsFailure(t *testing.T) {
	reg := module.NewRegistry()
	hang := &scripted{
		name:    "hang",
		watched: []event.Type{event.TypeDomainName},
		handle: func(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	reg.MustRegister(func() module.Module { return hang })

	cfg, _ := testConfig(t, reg)
	cfg.HandlerTimeout = 20 * time.Millisecond
	st := runScan(t, cfg, event.Target{Value: "example.com", Type: event.TypeDomainName}, nil)

	assert.Equal(t, "finished", st.StateString())
	assert.Contains(t, st.Degraded, "hang", "a timed-out handler degrades the module")
}
