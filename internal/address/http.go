package address

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lizongying/go-xpath/xpath"
	"github.com/n6g7/nomtail/pkg/log"
	"github.com/uintptr/udyndns/internal/config"
)

const maxBodySize = 64 << 10

// HTTPResolver asks echo services for the address the request came from.
// Bodies are either the bare address or, with an XPath expression, an HTML
// page holding it.
type HTTPResolver struct {
	logger *log.Logger
	urls   []string
	xpath  string
	family Family
	client *http.Client
}

func NewHTTPResolver(logger *log.Logger, conf config.Resolver) *HTTPResolver {
	return &HTTPResolver{
		logger: logger.With("component", "http-resolver"),
		urls:   conf.HTTP.URLs,
		xpath:  conf.HTTP.XPath,
		family: FamilyFilter(conf.Family),
		client: &http.Client{Timeout: conf.Timeout},
	}
}

// FamilyFilter maps a configured family to a filter, zero meaning any.
func FamilyFilter(family config.Family) Family {
	switch family {
	case config.IPv4:
		return IPv4
	case config.IPv6:
		return IPv6
	default:
		return 0
	}
}

// Fetch tries each URL in turn and returns the first usable address.
func (h *HTTPResolver) Fetch(ctx context.Context) (Candidate, error) {
	var errs []error
	for _, url := range h.urls {
		candidate, err := h.fetchOne(ctx, url)
		if err != nil {
			h.logger.Debug("address lookup failed", "url", url, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		h.logger.Trace("resolved external address", "url", url, "address", candidate.Address)
		return candidate, nil
	}
	return Candidate{}, &ResolutionError{Source: "http", Err: errors.Join(errs...)}
}

func (h *HTTPResolver) fetchOne(ctx context.Context, url string) (Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain, text/html")

	resp, err := h.client.Do(req)
	if err != nil {
		return Candidate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to read body: %w", err)
	}

	text := string(body)
	if h.xpath != "" {
		xp, err := xpath.NewXpathFromReader(io.NopCloser(bytes.NewReader(body)))
		if err != nil {
			return Candidate{}, fmt.Errorf("failed to parse HTML body: %w", err)
		}
		text = xp.FindStrOne(h.xpath)
	}

	candidate, err := extract(text)
	if err != nil {
		return Candidate{}, err
	}
	if !wants(h.family, candidate.Family) {
		return Candidate{}, fmt.Errorf("got %s address %s, want %s", candidate.Family, candidate.Address, h.family)
	}
	return candidate, nil
}

// extract finds an address in text, either the whole text or one of its
// words ("Current IP Address: 203.0.113.5").
func extract(text string) (Candidate, error) {
	text = strings.TrimSpace(text)
	if candidate, err := ParseCandidate(text); err == nil {
		return candidate, nil
	}
	for _, word := range strings.Fields(text) {
		if candidate, err := ParseCandidate(word); err == nil {
			return candidate, nil
		}
		if candidate, err := ParseCandidate(strings.Trim(word, ",;:.<>\"'()[]")); err == nil {
			return candidate, nil
		}
	}
	if len(text) > 64 {
		text = text[:64] + "..."
	}
	return Candidate{}, fmt.Errorf("no address found in %q", text)
}
