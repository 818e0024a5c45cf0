package address

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/n6g7/nomtail/pkg/log"
	"github.com/uintptr/udyndns/internal/config"
)

// DNSResolver asks a resolver that answers a well-known name with the
// address of the client, e.g. myip.opendns.com on OpenDNS.
type DNSResolver struct {
	logger   *log.Logger
	server   string
	hostname string
	family   Family
	client   *dns.Client
}

func NewDNSResolver(logger *log.Logger, conf config.Resolver) *DNSResolver {
	return &DNSResolver{
		logger:   logger.With("component", "dns-resolver"),
		server:   conf.DNS.Server,
		hostname: dns.Fqdn(conf.DNS.Hostname),
		family:   FamilyFilter(conf.Family),
		client:   &dns.Client{Timeout: conf.Timeout},
	}
}

func (d *DNSResolver) qtype() uint16 {
	if d.family == IPv6 {
		return dns.TypeAAAA
	}
	return dns.TypeA
}

func (d *DNSResolver) Fetch(ctx context.Context) (Candidate, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(d.hostname, d.qtype())

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		return Candidate{}, d.fail(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Candidate{}, d.fail(fmt.Errorf("%s answered %s", d.server, dns.RcodeToString[resp.Rcode]))
	}

	for _, rr := range resp.Answer {
		var raw string
		switch record := rr.(type) {
		case *dns.A:
			raw = record.A.String()
		case *dns.AAAA:
			raw = record.AAAA.String()
		default:
			continue
		}
		candidate, err := ParseCandidate(raw)
		if err != nil || !wants(d.family, candidate.Family) {
			continue
		}
		d.logger.Trace("resolved external address", "server", d.server, "address", candidate.Address)
		return candidate, nil
	}
	return Candidate{}, d.fail(fmt.Errorf("no address records for %s", d.hostname))
}

func (d *DNSResolver) fail(err error) error {
	return &ResolutionError{Source: "dns " + d.server, Err: err}
}
