// Package mxresolve resolves a domain's MX records into an ordered list of
// delivery targets, falling back to the domain itself per RFC 5321 when no
// MX records exist.
package mxresolve

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/posthorn/posthorn/internal/model"
)

// Resolver looks up MX records using github.com/miekg/dns against a
// configured nameserver.
type Resolver struct {
	client     *dns.Client
	nameserver string
}

// New builds a Resolver from a model.ResolverSetup. Protocol "tls" speaks
// DNS-over-TLS; "tcp" forces TCP; "udp" or unset uses UDP, with no retry
// over TCP when a reply is truncated. Any other protocol is rejected.
func New(setup model.ResolverSetup, timeout time.Duration) (*Resolver, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	addr, net, tlsName, err := resolveSetup(setup)
	if err != nil {
		return nil, err
	}

	client := &dns.Client{
		Net:     net,
		Timeout: timeout,
	}
	if net == "tcp-tls" {
		client.TLSConfig = &tls.Config{ServerName: tlsName}
	}

	return &Resolver{client: client, nameserver: addr}, nil
}

func resolveSetup(setup model.ResolverSetup) (addr, net, tlsName string, err error) {
	switch setup.Kind {
	case model.ResolverGoogle:
		return "8.8.8.8:53", "", "", nil
	case model.ResolverCloudflare:
		return "1.1.1.1:53", "", "", nil
	case model.ResolverQuad9:
		return "9.9.9.9:53", "", "", nil
	case model.ResolverSpecific:
		if setup.Specific == nil || setup.Specific.Addr == "" {
			return "", "", "", fmt.Errorf("mxresolve: specific resolver requires an address")
		}
		proto := setup.Specific.Protocol
		switch proto {
		case "", "udp":
			return setup.Specific.Addr, "", "", nil
		case "tcp":
			return setup.Specific.Addr, "tcp", "", nil
		case "tls":
			return setup.Specific.Addr, "tcp-tls", setup.Specific.TLSServerName, nil
		default:
			return "", "", "", fmt.Errorf("mxresolve: unknown protocol %q", proto)
		}
	case model.ResolverSystemConf:
		fallthrough
	default:
		return systemNameserver(), "", "", nil
	}
}

func systemNameserver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(conf.Servers) > 0 {
		return conf.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

// LookupMX resolves domain's MX records, sorted by ascending preference.
// Exchanges that are IP-literals (e.g. "[192.0.2.1]") are then moved after
// every domain-name exchange, whatever their preference, keeping the
// preference order within each of the two groups. Trailing dots are
// stripped from every exchange.
//
// Per RFC 5321 §5.1, if the domain has no MX records (or the lookup
// fails), delivery falls back to the domain's own A/AAAA record, modeled
// here by returning []string{domain}.
func (r *Resolver) LookupMX(domain string) ([]string, error) {
	records, err := r.queryMX(domain)
	if err != nil || len(records) == 0 {
		return []string{domain}, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].pref < records[j].pref
	})
	sort.SliceStable(records, func(i, j int) bool {
		return !isIPLiteral(records[i].exchange) && isIPLiteral(records[j].exchange)
	})

	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.exchange
	}
	return out, nil
}

type mxRecord struct {
	pref     uint16
	exchange string
}

func (r *Resolver) queryMX(domain string) ([]mxRecord, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	reply, _, err := r.client.Exchange(m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("mxresolve: querying MX for %s: %w", domain, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("mxresolve: MX query for %s returned %s", domain, dns.RcodeToString[reply.Rcode])
	}

	var records []mxRecord
	for _, ans := range reply.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			records = append(records, mxRecord{
				pref:     mx.Preference,
				exchange: strings.TrimSuffix(mx.Mx, "."),
			})
		}
	}
	return records, nil
}

// isIPLiteral reports whether s looks like an IP-address literal exchange
// rather than a domain name, per the reference resolver's heuristic: a
// domain name's final label never ends in a digit under normal TLD naming,
// while a bracketed or bare IPv4 literal always does. An IPv6 literal
// counts only when its last hex digit is 0-9.
func isIPLiteral(s string) bool {
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last >= '0' && last <= '9'
}
