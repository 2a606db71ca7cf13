package correlate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/logging"
	"github.com/reconforge/reconforge/pkg/metrics"
	"github.com/reconforge/reconforge/pkg/store"
	"github.com/reconforge/reconforge/pkg/workerpool"
)

const regexCacheSize = 256

// EventRef points at one matched event inside a specific scan.
type EventRef struct {
	ScanID  string `json:"scan_id"`
	EventID int    `json:"event_id"`
}

// Finding is one qualified correlation result. Finding identity is a
// content hash of the rule and group key, so re-running the same rules
// over the same stores yields the same IDs regardless of evaluation
// order.
type Finding struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"rule_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Risk        event.Severity `json:"risk"`
	Confidence  int            `json:"confidence"`

	// GroupKey holds the aggregation field values that formed this
	// group, in rule aggregation order.
	GroupKey []string `json:"group_key,omitempty"`

	// ScanIDs lists every scan contributing a matched event, sorted.
	ScanIDs []string `json:"scan_ids"`

	// Events references the matched events, ordered by scan then by
	// event sequence.
	Events []EventRef `json:"events"`
}

// Engine evaluates correlation rules over stored scan events.
type Engine struct {
	store   store.Store
	log     hclog.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool
	regexes *lru.Cache[string, *regexp.Regexp]
}

// EngineConfig carries the collaborators an Engine needs. Store is
// required; the rest default to no-ops.
type EngineConfig struct {
	Store   store.Store
	Logger  hclog.Logger
	Metrics *metrics.Metrics

	// Workers bounds parallel rule evaluation. Non-positive falls back
	// to GOMAXPROCS.
	Workers int
}

// NewEngine creates a correlation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("correlate: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	cache, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:   cfg.Store,
		log:     cfg.Logger.Named("correlate"),
		metrics: cfg.Metrics,
		pool:    workerpool.New(cfg.Workers),
		regexes: cache,
	}, nil
}

// Close releases the engine's worker pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// scanEvents pairs a scan id with its moderated event set.
type scanEvents struct {
	scanID string
	events []event.Event
}

// Run evaluates rules over the given scans and returns the combined
// finding set, sorted by rule id then finding id. Rules are evaluated
// in parallel and in isolation: a rule that panics is reported through
// the log and skipped without affecting the others.
//
// False-positive events are excluded before matching.
func (e *Engine) Run(ctx context.Context, scanIDs []string, rules []Rule) ([]Finding, error) {
	sorted := make([]string, len(scanIDs))
	copy(sorted, scanIDs)
	sort.Strings(sorted)

	corpus := make([]scanEvents, 0, len(sorted))
	for _, id := range sorted {
		evs, err := e.store.Events(ctx, id, store.Filter{})
		if err != nil {
			return nil, fmt.Errorf("correlate: load scan %s: %w", id, err)
		}
		corpus = append(corpus, scanEvents{scanID: id, events: evs})
	}

	perRule := workerpool.Map(e.pool, rules, func(r Rule) []Finding {
		defer func() {
			if rec := recover(); rec != nil {
				e.log.Error("rule evaluation panicked", "rule", r.ID, "panic", rec)
			}
		}()
		found := e.evaluate(r, corpus)
		e.log.Debug("rule evaluated", "rule", r.ID, "findings", len(found))
		return found
	})

	var findings []Finding
	for _, fs := range perRule {
		findings = append(findings, fs...)
	}
	for _, f := range findings {
		e.metrics.CorrelationFindings.WithLabelValues(f.RuleID).Inc()
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].RuleID != findings[j].RuleID {
			return findings[i].RuleID < findings[j].RuleID
		}
		return findings[i].ID < findings[j].ID
	})
	return findings, nil
}

// group accumulates the matched events sharing one aggregation key.
type group struct {
	key   []string
	refs  []EventRef
	scans map[string]struct{}
}

func (e *Engine) evaluate(r Rule, corpus []scanEvents) []Finding {
	switch r.Scope {
	case ScopeCrossScan:
		return e.findingsFor(r, e.collect(r, corpus))
	default:
		// Single-scan rules never see another scan's events in one group.
		var out []Finding
		for _, sc := range corpus {
			out = append(out, e.findingsFor(r, e.collect(r, []scanEvents{sc}))...)
		}
		return out
	}
}

// collect buckets every matching, non-false-positive event by its
// aggregation key.
func (e *Engine) collect(r Rule, corpus []scanEvents) map[string]*group {
	groups := make(map[string]*group)
	for _, sc := range corpus {
		for i := range sc.events {
			ev := &sc.events[i]
			if ev.FalsePositive || !e.matches(r.Match, ev) {
				continue
			}
			key, parts := groupKey(r.Aggregation, ev)
			g := groups[key]
			if g == nil {
				g = &group{key: parts, scans: make(map[string]struct{})}
				groups[key] = g
			}
			g.refs = append(g.refs, EventRef{ScanID: sc.scanID, EventID: ev.ID})
			g.scans[sc.scanID] = struct{}{}
		}
	}
	return groups
}

func (e *Engine) findingsFor(r Rule, groups map[string]*group) []Finding {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Finding
	for _, k := range keys {
		g := groups[k]
		if len(g.refs) < r.Threshold.MinEvents || len(g.scans) < r.Threshold.MinScans {
			continue
		}

		scans := make([]string, 0, len(g.scans))
		for id := range g.scans {
			scans = append(scans, id)
		}
		sort.Strings(scans)

		out = append(out, Finding{
			ID:          findingID(r.ID, k, scans),
			RuleID:      r.ID,
			Name:        r.Name,
			Description: r.Description,
			Risk:        r.Risk,
			Confidence:  r.Confidence,
			GroupKey:    g.key,
			ScanIDs:     scans,
			Events:      g.refs,
		})
	}
	return out
}

// findingID derives a stable identifier from the rule, the group key
// and the contributing scan set.
func findingID(ruleID, key string, scans []string) string {
	d := xxhash.New()
	d.WriteString(ruleID)
	d.WriteString("\x00")
	d.WriteString(key)
	d.WriteString("\x00")
	d.WriteString(strings.Join(scans, ","))
	return strconv.FormatUint(d.Sum64(), 16)
}

// groupKey renders the aggregation field values of an event. An empty
// aggregation puts every match in one group.
func groupKey(fields []string, ev *event.Event) (string, []string) {
	if len(fields) == 0 {
		return "", nil
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, _ := ev.Field(f)
		parts[i] = v
	}
	return strings.Join(parts, "\x1f"), parts
}

// matches reports whether the event satisfies every criterion.
func (e *Engine) matches(criteria []Criterion, ev *event.Event) bool {
	for _, c := range criteria {
		got, ok := ev.Field(c.Field)
		if !ok {
			return false
		}
		if !e.matchOne(c, got) {
			return false
		}
	}
	return true
}

func (e *Engine) matchOne(c Criterion, got string) bool {
	want := string(c.Value)
	switch c.Op {
	case OpEq:
		return got == want
	case OpNe:
		return got != want
	case OpIn:
		for _, v := range c.Values {
			if got == v {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := e.compile(want)
		if err != nil {
			return false
		}
		return re.MatchString(got)
	case OpGt, OpGte, OpLt, OpLte:
		a, err1 := strconv.Atoi(got)
		b, err2 := strconv.Atoi(want)
		if err1 != nil || err2 != nil {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

// compile returns a cached compiled pattern. Patterns are pre-checked
// at rule load, so failures here are exceptional.
func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes.Add(pattern, re)
	return re, nil
}
