package seeds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const dnsQueryTimeout = 3 * time.Second

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// dnsResolver backs Resolver with a github.com/miekg/dns client, giving full
// control over the query (timeout, recursion, transport) instead of relying
// on the OS stub resolver.
type dnsResolver struct {
	client  *dns.Client
	servers []string
}

// DefaultResolver returns a Resolver backed by github.com/miekg/dns querying
// the system-configured nameservers from /etc/resolv.conf.
func DefaultResolver() Resolver {
	return &dnsResolver{client: &dns.Client{Timeout: dnsQueryTimeout}, servers: systemNameservers()}
}

// NewResolver builds a Resolver that queries the given nameserver addresses
// directly, bypassing OS resolver configuration entirely.
func NewResolver(servers ...string) Resolver {
	if len(servers) == 0 {
		return DefaultResolver()
	}
	return &dnsResolver{client: &dns.Client{Timeout: dnsQueryTimeout}, servers: servers}
}

func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(server, cfg.Port))
	}
	return servers
}

func (r *dnsResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		values, err := r.exchange(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return values, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, lastErr
}

func (r *dnsResolver) exchange(ctx context.Context, msg *dns.Msg, server string) ([]string, error) {
	reply, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns server %s returned %s", server, dns.RcodeToString[reply.Rcode])
	}
	values := make([]string, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}
