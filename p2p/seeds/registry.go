// Package seeds resolves DNS seed domains into dialable peer addresses.
// A seed domain publishes TXT records under _seed.<domain>; each record
// carries one or more whitespace-separated host:port entries.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	lookupPrefix   = "_seed."
	defaultServer  = "" // empty selects the system resolver config
	defaultTimeout = 5 * time.Second
)

var errNoRecords = errors.New("seeds: no TXT records")

// lookupFunc performs the raw TXT query. Tests swap it for a fixture.
type lookupFunc func(ctx context.Context, fqdn string) ([]string, error)

// Resolver turns a seed domain into candidate peer addresses.
type Resolver struct {
	server  string
	timeout time.Duration
	lookup  lookupFunc
}

// Option adjusts resolver construction.
type Option func(*Resolver)

// WithServer directs queries at a specific DNS server ("host:53") instead
// of the system configuration.
func WithServer(server string) Option {
	return func(r *Resolver) { r.server = server }
}

// WithTimeout bounds a single TXT query.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLookup replaces the DNS exchange entirely. Test hook.
func WithLookup(fn func(ctx context.Context, fqdn string) ([]string, error)) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// NewResolver builds a resolver backed by the system DNS configuration.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{server: defaultServer, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.lookup == nil {
		r.lookup = r.queryTXT
	}
	return r
}

// Resolve fetches the TXT records for _seed.<domain> and returns every
// syntactically valid host:port entry, deduplicated in record order.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	domain = strings.TrimSpace(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return nil, errors.New("seeds: empty domain")
	}
	fqdn := dns.Fqdn(lookupPrefix + domain)

	records, err := r.lookup(ctx, fqdn)
	if err != nil {
		return nil, fmt.Errorf("seeds: lookup %s: %w", fqdn, err)
	}
	addrs := parseRecords(records)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w for %s", errNoRecords, fqdn)
	}
	return addrs, nil
}

func (r *Resolver) queryTXT(ctx context.Context, fqdn string) ([]string, error) {
	server := r.server
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no DNS server configured: %w", err)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[reply.Rcode])
	}

	var records []string
	for _, rr := range reply.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

// parseRecords extracts host:port entries from TXT payloads, dropping
// anything malformed rather than failing the whole lookup.
func parseRecords(records []string) []string {
	seen := make(map[string]struct{})
	var addrs []string
	for _, record := range records {
		for _, field := range strings.Fields(record) {
			host, port, err := net.SplitHostPort(field)
			if err != nil || host == "" || port == "" {
				continue
			}
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			addrs = append(addrs, field)
		}
	}
	return addrs
}
