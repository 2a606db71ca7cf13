package modules

import (
	"context"
	"regexp"
	"strings"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/module"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// EmailExtract pulls email addresses out of raw page and record data
// emitted by other modules.
type EmailExtract struct {
	maxResults int
	emitted    int
}

// NewEmailExtract creates the email extraction module.
func NewEmailExtract() *EmailExtract {
	return &EmailExtract{}
}

func (m *EmailExtract) Name() string    { return "emailextract" }
func (m *EmailExtract) Summary() string { return "Extracts email addresses from raw collected data" }

func (m *EmailExtract) WatchedEvents() []event.Type {
	return []event.Type{event.TypeRawData, event.TypeDNSRecord}
}

func (m *EmailExtract) ProducedEvents() []event.Type {
	return []event.Type{event.TypeEmailAddr}
}

func (m *EmailExtract) Options() []module.Option {
	return []module.Option{
		{Name: "max_results", Description: "Cap on extracted addresses per scan", Type: module.OptionInt, Default: "100"},
	}
}

func (m *EmailExtract) Setup(ctx context.Context, opts map[string]string) error {
	resolved, err := module.ResolveOptions(m.Options(), opts)
	if err != nil {
		return err
	}
	m.maxResults = module.OptInt(resolved, "max_results")
	return nil
}

func (m *EmailExtract) HandleEvent(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
	for _, addr := range emailPattern.FindAllString(ev.Data, -1) {
		if m.maxResults > 0 && m.emitted >= m.maxResults {
			return nil
		}
		if err := emit(event.TypeEmailAddr, strings.ToLower(addr), ev); err != nil {
			return err
		}
		m.emitted++
	}
	return nil
}

func (m *EmailExtract) Finish(ctx context.Context) error { return nil }
