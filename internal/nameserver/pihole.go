package nameserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/n6g7/nomtail/pkg/log"
	"github.com/uintptr/udyndns/internal/address"
	"github.com/uintptr/udyndns/internal/config"
)

// PiholeNS manages local DNS host entries ("<ip> <hostname>") on a Pi-hole.
type PiholeNS struct {
	logger   *log.Logger
	baseURL  string
	password string
	client   *JsonClient
}

func NewPiholeNS(logger *log.Logger, conf config.PiholeConf) *PiholeNS {
	return &PiholeNS{
		logger:   logger.With("component", "pi-hole"),
		baseURL:  strings.TrimSuffix(conf.URL, "/"),
		password: conf.Password,
	}
}

// Send an HTTP request to the Pi-hole, with built-in CSRF token refresh.
func (ph *PiholeNS) do(ctx context.Context, method, uri string, reqBody, respBody any) error {
	err := ph.send(ctx, method, uri, reqBody, respBody)
	var providerErr *ProviderError
	// A 401 probably means the CSRF token has expired. Login again to refresh it.
	if errors.As(err, &providerErr) && providerErr.Status == http.StatusUnauthorized {
		if err := ph.login(ctx); err != nil {
			return fmt.Errorf("failed to login while refreshing CSRF token: %w", err)
		}
		// Try again.
		return ph.send(ctx, method, uri, reqBody, respBody)
	}
	return err
}

func (ph *PiholeNS) send(ctx context.Context, method, uri string, reqBody, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, method, ph.baseURL+uri, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return ph.client.DoJSON(req, reqBody, respBody)
}

type loginRequest struct {
	Password string  `json:"password"`
	Totp     *string `json:"totp"`
}
type loginResponse struct {
	Session struct {
		Valid bool   `json:"valid"`
		Csrf  string `json:"csrf"`
	} `json:"session"`
}

func (ph *PiholeNS) login(ctx context.Context) error {
	var response loginResponse
	err := ph.send(ctx, "POST", "/api/auth", &loginRequest{Password: ph.password}, &response)
	if err != nil {
		return &AuthError{Provider: "pi-hole", Err: err}
	}

	if !response.Session.Valid {
		return &AuthError{Provider: "pi-hole", Err: fmt.Errorf("invalid session (?)")}
	}

	ph.client.CsrfToken = response.Session.Csrf

	ph.logger.Debug("pi-hole login successful")
	return nil
}

func (ph *PiholeNS) Init(ctx context.Context) error {
	// Create HTTP client
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // Ignore invalid certs
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar creation failed: %w", err)
	}
	ph.client = &JsonClient{Client: http.Client{
		Transport: transport,
		Jar:       jar,
	}}

	// Initial login
	return ph.login(ctx)
}

type hostsResult struct {
	Config struct {
		DNS struct {
			Hosts []string `json:"hosts"`
		} `json:"dns"`
	} `json:"config"`
}

func hostEntry(ip, host string) string {
	return ip + " " + host
}

func hostURI(entry string) string {
	return "/api/config/dns/hosts/" + url.PathEscape(entry)
}

// entriesFor returns the host entries for host with an address of family.
func (ph *PiholeNS) entriesFor(ctx context.Context, host string, family address.Family) (mapset.Set[string], error) {
	output := &hostsResult{}
	if err := ph.do(ctx, "GET", "/api/config/dns/hosts", nil, output); err != nil {
		return nil, err
	}

	entries := mapset.NewSet[string]()
	for _, row := range output.Config.DNS.Hosts {
		fields := strings.Fields(row)
		if len(fields) < 2 {
			continue
		}
		candidate, err := address.ParseCandidate(fields[0])
		if err != nil || candidate.Family != family {
			continue
		}
		for _, name := range fields[1:] {
			if name == host {
				entries.Add(hostEntry(fields[0], host))
			}
		}
	}
	return entries, nil
}

func (ph *PiholeNS) UpdateRecord(ctx context.Context, name string, recordType RecordType, ip string) error {
	if ph.client == nil {
		return fmt.Errorf("pi-hole nameserver used before Init")
	}

	host := strings.TrimSuffix(name, ".")
	family := address.IPv4
	if recordType == AAAA {
		family = address.IPv6
	}

	existing, err := ph.entriesFor(ctx, host, family)
	if err != nil {
		return fmt.Errorf("couldn't list host entries: %w", err)
	}

	wanted := hostEntry(ip, host)
	if !existing.Contains(wanted) {
		if err := ph.do(ctx, "PUT", hostURI(wanted), nil, nil); err != nil {
			return fmt.Errorf("couldn't add host entry %q: %w", wanted, err)
		}
		ph.logger.Debug("added host entry", "entry", wanted)
	}

	for _, stale := range existing.Difference(mapset.NewSet(wanted)).ToSlice() {
		if err := ph.do(ctx, "DELETE", hostURI(stale), nil, nil); err != nil {
			return fmt.Errorf("couldn't remove host entry %q: %w", stale, err)
		}
		ph.logger.Debug("removed host entry", "entry", stale)
	}
	return nil
}
