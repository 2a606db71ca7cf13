package modules

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/module"
)

// TLSCert connects to discovered hosts and extracts their TLS
// certificates. Certificate verification is intentionally off: the
// point is to record what a host serves, including self-signed and
// expired material.
type TLSCert struct {
	port    int
	timeout time.Duration
}

// NewTLSCert creates the certificate grabber module.
func NewTLSCert() *TLSCert {
	return &TLSCert{}
}

func (m *TLSCert) Name() string    { return "tlscert" }
func (m *TLSCert) Summary() string { return "Retrieves TLS certificates and the host names they cover" }

func (m *TLSCert) WatchedEvents() []event.Type {
	return []event.Type{event.TypeInternetName, event.TypeIPAddress}
}

func (m *TLSCert) ProducedEvents() []event.Type {
	return []event.Type{event.TypeSSLCertIssued, event.TypeInternetName}
}

func (m *TLSCert) Options() []module.Option {
	return []module.Option{
		{Name: "port", Description: "TCP port to probe", Type: module.OptionInt, Default: "443"},
		{Name: "timeout", Description: "Per-host connect timeout", Type: module.OptionDuration, Default: "10s"},
	}
}

func (m *TLSCert) Setup(ctx context.Context, opts map[string]string) error {
	resolved, err := module.ResolveOptions(m.Options(), opts)
	if err != nil {
		return err
	}
	m.port = module.OptInt(resolved, "port")
	m.timeout = module.OptDuration(resolved, "timeout")
	return nil
}

func (m *TLSCert) HandleEvent(ctx context.Context, ev *event.Event, emit module.EmitFunc) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	addr := net.JoinHostPort(ev.Data, strconv.Itoa(m.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// A closed port is an answer about the host, not a failure.
		return nil
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	cert := state.PeerCertificates[0]

	issued := fmt.Sprintf("%s / issued by %s", cert.Subject, cert.Issuer)
	if err := emit(event.TypeSSLCertIssued, issued, ev); err != nil {
		return err
	}
	for _, name := range cert.DNSNames {
		if err := emit(event.TypeInternetName, name, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *TLSCert) Finish(ctx context.Context) error { return nil }
