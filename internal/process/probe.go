package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Prober checks that the daemon is answering.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DNSProber sends one DNS query to the daemon. Any response, whatever its
// rcode, counts as alive.
type DNSProber struct {
	Addr    string // host:port
	Name    string // query name; "." asks for the root NS
	Timeout time.Duration
}

// Probe implements Prober.
func (p *DNSProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	c := &dns.Client{Net: "udp", Timeout: timeout}

	m := new(dns.Msg)
	qtype := dns.TypeA
	if p.Name == "" || p.Name == "." {
		qtype = dns.TypeNS
	}
	name := p.Name
	if name == "" {
		name = "."
	}
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = false

	resp, _, err := c.ExchangeContext(ctx, m, p.Addr)
	if err != nil {
		return fmt.Errorf("dns probe %s: %w", p.Addr, err)
	}
	if resp == nil {
		return fmt.Errorf("dns probe %s: empty response", p.Addr)
	}
	return nil
}

var errExitedDuringProbe = errors.New("daemon exited before answering the liveness probe")

// waitAlive polls prober until it succeeds, the daemon exits, or ctx ends.
func waitAlive(ctx context.Context, prober Prober, interval time.Duration, exited <-chan struct{}) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	var lastErr error
	for {
		select {
		case <-exited:
			return errExitedDuringProbe
		default:
		}

		if lastErr = prober.Probe(ctx); lastErr == nil {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-exited:
			timer.Stop()
			return errExitedDuringProbe
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}
