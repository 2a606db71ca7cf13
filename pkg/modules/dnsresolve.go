package modules

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/module"
)

// DNSResolve resolves discovered host names to their addresses.
type DNSResolve struct {
	lookup  func(ctx context.Context, host string) ([]string, error)
	timeout time.Duration
}

// NewDNSResolve creates the resolver module backed by the system
// resolver.
func NewDNSResolve() *DNSResolve {
	r := &net.Resolver{}
	return &DNSResolve{lookup: r.LookupHost}
}

func (m *DNSResolve) Name() string    { return "dnsresolve" }
func (m *DNSResolve) Summary() string { return "Resolves host names to IPv4 and IPv6 addresses" }

func (m *DNSResolve) WatchedEvents() []event.Type {
	return []event.Type{event.TypeDomainName, event.TypeInternetName}
}

func (m *DNSResolve) ProducedEvents() []event.Type {
	return []event.Type{event.TypeIPAddress, event.TypeIPv6Address}
}

func (m *DNSResolve) Options() []module.Option {
	return []module.Option{
		{Name: "timeout", Description: "Per-lookup timeout", Type: module.OptionDuration, Default: "10s"},
	}
}

func (m *DNSResolve) Setup(ctx context.Context, opts map[string]string) error {
	resolved, err := module.ResolveOptions(m.Options(), opts)
	if err != nil {
		return err
	}
	m.timeout = module.OptDuration(resolved, "timeout")
	return nil
}

func (m *DNSResolve) HandleEvent(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addrs, err := m.lookup(ctx, ev.Data)
	if err != nil {
		// NXDOMAIN is an answer, not a module failure.
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil
		}
		return err
	}

	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		t := event.TypeIPAddress
		if ip.To4() == nil {
			t = event.TypeIPv6Address
		}
		if err := emit(t, ip.String(), ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *DNSResolve) Finish(ctx context.Context) error { return nil }
