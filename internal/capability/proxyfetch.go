package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/upstream"
)

// ProviderProxy names the proxy-crawler bucket in the upstream client.
const ProviderProxy = "proxy"

// ProxyFetch crawls a page through a ScrapingBee-style proxy API: the
// target URL and render options ride as query parameters, the response body
// is the rendered page.
type ProxyFetch struct {
	client   *upstream.Client
	http     *http.Client
	endpoint string
	apiKey   string
}

func NewProxyFetch(client *upstream.Client, endpoint, apiKey string, timeout time.Duration) *ProxyFetch {
	return &ProxyFetch{
		client:   client,
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

func (f *ProxyFetch) Execute(ctx context.Context, payload domain.Payload) ([]byte, error) {
	return f.client.Invoke(ctx, ProviderProxy, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.requestURL(payload), nil)
		if err != nil {
			return nil, &domain.UpstreamError{Provider: ProviderProxy, Permanent: true, Err: fmt.Errorf("build request: %w", err)}
		}

		resp, err := f.http.Do(req)
		if err != nil {
			return nil, transientNetErr(ProviderProxy, err)
		}
		if err := classifyResponse(ProviderProxy, resp); err != nil {
			_, _ = readBody(resp)
			return nil, err
		}

		body, err := readBody(resp)
		if err != nil {
			return nil, transientNetErr(ProviderProxy, fmt.Errorf("read body: %w", err))
		}
		return body, nil
	})
}

func (f *ProxyFetch) requestURL(payload domain.Payload) string {
	q := url.Values{}
	q.Set("api_key", f.apiKey)
	q.Set("url", payload.URL)
	// Pass-through render options (render_js, premium_proxy, country_code…)
	// exactly as submitted; they are part of the idempotency key.
	for k, v := range payload.Params {
		q.Set(k, v)
	}
	return f.endpoint + "?" + q.Encode()
}
