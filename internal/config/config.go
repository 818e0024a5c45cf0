package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

type Config struct {
	RecordName    string
	Force         bool
	PollFrequency uint
	Verbose       bool
	DataDir       string
	CycleTimeout  time.Duration
	LogLevel      slog.Level
	Nameserver    Nameserver
	Resolver      Resolver
	Prometheus    Prometheus
}

// Nameserver

type NameserverType = string

const (
	CloudDNS NameserverType = "clouddns"
	Route53  NameserverType = "route53"
	Pihole   NameserverType = "pihole"
)

var nameserverTypes = []NameserverType{CloudDNS, Route53, Pihole}

type Nameserver struct {
	Type     NameserverType
	CloudDNS CloudDNSConf
	Route53  Route53Conf
	Pihole   PiholeConf
}

type CloudDNSConf struct {
	Project         string
	Zone            string
	CredentialsFile string
	TTL             int64
	Endpoint        string
}

type Route53Conf struct {
	HostedZone      string
	TTL             int64
	AWSRegion       string
	CredentialsFile string
	AccessKeyID     string
	SecretAccessKey string
}

type PiholeConf struct {
	URL      string
	Password string
}

// Resolver

type ResolverType = string

const (
	HTTPResolver ResolverType = "http"
	DNSResolver  ResolverType = "dns"
)

var resolverTypes = []ResolverType{HTTPResolver, DNSResolver}

type Family = string

const (
	AnyFamily Family = "any"
	IPv4      Family = "ipv4"
	IPv6      Family = "ipv6"
)

var families = []Family{AnyFamily, IPv4, IPv6}

type Resolver struct {
	Type    ResolverType
	Family  Family
	Timeout time.Duration
	HTTP    HTTPResolverConf
	DNS     DNSResolverConf
}

type HTTPResolverConf struct {
	URLs  []string
	XPath string
}

type DNSResolverConf struct {
	Server   string
	Hostname string
}

// Metrics

type Prometheus struct {
	ListenAddr  string
	MetricsPath string
}

// Error reports an unusable configuration value.
type Error struct {
	Key    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid config %s: %s: %s", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Continuous reports whether reconciliation should repeat on an interval.
func (c *Config) Continuous() bool {
	return c.PollFrequency > 0
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollFrequency) * time.Second
}

// Level is the effective log level, verbose mode lowers it to debug.
func (c *Config) Level() slog.Level {
	if c.Verbose && c.LogLevel > slog.LevelDebug {
		return slog.LevelDebug
	}
	return c.LogLevel
}

func (c *Config) Validate() error {
	if c.RecordName == "" {
		return &Error{Key: "RecordName", Reason: "a DNS name is required"}
	}
	if strings.ContainsAny(c.RecordName, `/\`) {
		return &Error{Key: "RecordName", Reason: fmt.Sprintf("%q is not a DNS name", c.RecordName)}
	}
	if c.CycleTimeout <= 0 {
		return &Error{Key: "CycleTimeout", Reason: "must be positive"}
	}

	if !slices.Contains(nameserverTypes, c.Nameserver.Type) {
		return &Error{Key: "Nameserver.Type", Reason: fmt.Sprintf("unknown nameserver type %q", c.Nameserver.Type)}
	}
	switch c.Nameserver.Type {
	case CloudDNS:
		if c.Nameserver.CloudDNS.Project == "" {
			return &Error{Key: "Nameserver.CloudDNS.Project", Reason: "a GCP project is required"}
		}
		if c.Nameserver.CloudDNS.Zone == "" {
			return &Error{Key: "Nameserver.CloudDNS.Zone", Reason: "a managed zone is required"}
		}
		if c.Nameserver.CloudDNS.CredentialsFile == "" {
			return &Error{Key: "Nameserver.CloudDNS.CredentialsFile", Reason: "an auth file is required"}
		}
	case Route53:
		if c.Nameserver.Route53.HostedZone == "" {
			return &Error{Key: "Nameserver.Route53.HostedZone", Reason: "a hosted zone is required"}
		}
		if (c.Nameserver.Route53.AccessKeyID == "") != (c.Nameserver.Route53.SecretAccessKey == "") {
			return &Error{Key: "Nameserver.Route53.AccessKeyID", Reason: "access key id and secret must be set together"}
		}
	case Pihole:
		if c.Nameserver.Pihole.URL == "" {
			return &Error{Key: "Nameserver.Pihole.URL", Reason: "a Pi-hole URL is required"}
		}
	}

	if !slices.Contains(resolverTypes, c.Resolver.Type) {
		return &Error{Key: "Resolver.Type", Reason: fmt.Sprintf("unknown resolver type %q", c.Resolver.Type)}
	}
	if !slices.Contains(families, c.Resolver.Family) {
		return &Error{Key: "Resolver.Family", Reason: fmt.Sprintf("unknown address family %q", c.Resolver.Family)}
	}
	if c.Resolver.Type == HTTPResolver && len(c.Resolver.HTTP.URLs) == 0 {
		return &Error{Key: "Resolver.HTTP.URLs", Reason: "at least one URL is required"}
	}
	return nil
}
