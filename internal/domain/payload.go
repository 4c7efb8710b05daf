package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

type JobKind string

const (
	KindCrawl      JobKind = "crawl"
	KindPDFExtract JobKind = "pdf_extract"
	KindSearch     JobKind = "search"
)

// Payload is the tagged union of job inputs. Exactly one shape per kind:
// crawl and pdf_extract carry a URL, search carries a query. Params are
// passed through to the capability untouched but participate in the
// idempotency key so different render options cache separately.
type Payload struct {
	Kind   JobKind           `json:"kind"`
	URL    string            `json:"url,omitempty"`
	Query  string            `json:"query,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Normalize validates the payload and rewrites it into canonical form so
// that equivalent submissions hash to the same idempotency key.
func (p Payload) Normalize() (Payload, error) {
	switch p.Kind {
	case KindCrawl, KindPDFExtract:
		if p.Query != "" {
			return Payload{}, fmt.Errorf("%w: %s payload must not carry a query", ErrInvalidPayload, p.Kind)
		}
		u, err := canonicalURL(p.URL)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.URL = u
	case KindSearch:
		if p.URL != "" {
			return Payload{}, fmt.Errorf("%w: search payload must not carry a url", ErrInvalidPayload)
		}
		q := strings.ToLower(strings.Join(strings.Fields(p.Query), " "))
		if q == "" {
			return Payload{}, fmt.Errorf("%w: empty search query", ErrInvalidPayload)
		}
		p.Query = q
	default:
		return Payload{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if len(p.Params) == 0 {
		p.Params = nil
	}
	return p, nil
}

// IdempotencyKey is a pure function of the normalized payload: hex SHA-256
// over the kind, the canonical input, and the sorted params.
func (p Payload) IdempotencyKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", p.Kind, p.URL, p.Query)
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, p.Params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheTTL is the retention for this kind's results. PDF extraction is far
// more expensive than a page fetch, so it keeps results for a week.
func (p Payload) CacheTTL() time.Duration {
	switch p.Kind {
	case KindPDFExtract:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode() // sorted by key
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
