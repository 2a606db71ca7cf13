package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/module"
	"github.com/reconforge/reconforge/pkg/retry"
)

const crtshMaxBody = 16 << 20 // crt.sh responses for large domains run to megabytes

// Crtsh discovers subdomains from crt.sh certificate transparency logs.
type Crtsh struct {
	client     *http.Client
	limiter    *rate.Limiter
	baseURL    string
	maxResults int
	seen       map[string]bool
}

// NewCrtsh creates the certificate transparency module.
func NewCrtsh() *Crtsh {
	return &Crtsh{
		client: &http.Client{},
		seen:   make(map[string]bool),
	}
}

func (m *Crtsh) Name() string    { return "crtsh" }
func (m *Crtsh) Summary() string { return "Finds subdomains in crt.sh certificate transparency logs" }

func (m *Crtsh) WatchedEvents() []event.Type {
	return []event.Type{event.TypeDomainName}
}

func (m *Crtsh) ProducedEvents() []event.Type {
	return []event.Type{event.TypeInternetName}
}

func (m *Crtsh) Options() []module.Option {
	return []module.Option{
		{Name: "base_url", Description: "crt.sh endpoint", Type: module.OptionString, Default: "https://crt.sh"},
		{Name: "timeout", Description: "HTTP request timeout", Type: module.OptionDuration, Default: "30s"},
		{Name: "max_results", Description: "Cap on emitted host names per domain", Type: module.OptionInt, Default: "200"},
		{Name: "requests_per_second", Description: "Upstream request rate limit", Type: module.OptionInt, Default: "2"},
	}
}

func (m *Crtsh) Setup(ctx context.Context, opts map[string]string) error {
	resolved, err := module.ResolveOptions(m.Options(), opts)
	if err != nil {
		return err
	}
	m.baseURL = strings.TrimSuffix(resolved["base_url"], "/")
	m.maxResults = module.OptInt(resolved, "max_results")
	m.client.Timeout = module.OptDuration(resolved, "timeout")
	m.limiter = rate.NewLimiter(rate.Limit(module.OptInt(resolved, "requests_per_second")), 1)
	return nil
}

func (m *Crtsh) HandleEvent(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	domain := strings.ToLower(ev.Data)
	var entries []struct {
		NameValue string `json:"name_value"`
	}
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		body, err := m.fetch(ctx, domain)
		if err != nil {
			return err
		}
		// An empty or malformed body means no records, not a failure.
		if json.Unmarshal(body, &entries) != nil {
			entries = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	emitted := 0
	for _, entry := range entries {
		// Multi-SAN certs pack several names into one row.
		for _, name := range strings.Split(entry.NameValue, "\n") {
			name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "*.")))
			if name == "" {
				continue
			}
			// Scope first: a name out of scope for this domain may still
			// be in scope for a later watched domain.
			if name != domain && !strings.HasSuffix(name, "."+domain) {
				continue
			}
			if m.seen[name] {
				continue
			}
			m.seen[name] = true
			if err := emit(event.TypeInternetName, name, ev); err != nil {
				return err
			}
			emitted++
			if m.maxResults > 0 && emitted >= m.maxResults {
				return nil
			}
		}
	}
	return nil
}

func (m *Crtsh) fetch(ctx context.Context, domain string) ([]byte, error) {
	u := fmt.Sprintf("%s/?q=%s&output=json", m.baseURL, url.QueryEscape("%."+domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Stop(err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, retry.Stop(fmt.Errorf("crt.sh: status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("crt.sh: status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, crtshMaxBody))
}

func (m *Crtsh) Finish(ctx context.Context) error { return nil }
