package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/upstream"
)

// ProviderSearch names the search-API bucket in the upstream client.
const ProviderSearch = "search"

// Search runs a query against a Serper-style JSON search API. The raw JSON
// response is the result blob; consumers parse what they need.
type Search struct {
	client   *upstream.Client
	http     *http.Client
	endpoint string
	apiKey   string
}

func NewSearch(client *upstream.Client, endpoint, apiKey string, timeout time.Duration) *Search {
	return &Search{
		client:   client,
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

func (s *Search) Execute(ctx context.Context, payload domain.Payload) ([]byte, error) {
	return s.client.Invoke(ctx, ProviderSearch, func(ctx context.Context) ([]byte, error) {
		body, err := json.Marshal(searchRequest(payload))
		if err != nil {
			return nil, &domain.UpstreamError{Provider: ProviderSearch, Permanent: true, Err: fmt.Errorf("marshal query: %w", err)}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, &domain.UpstreamError{Provider: ProviderSearch, Permanent: true, Err: fmt.Errorf("build request: %w", err)}
		}
		req.Header.Set("X-API-KEY", s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return nil, transientNetErr(ProviderSearch, err)
		}
		if err := classifyResponse(ProviderSearch, resp); err != nil {
			_, _ = readBody(resp)
			return nil, err
		}

		result, err := readBody(resp)
		if err != nil {
			return nil, transientNetErr(ProviderSearch, fmt.Errorf("read body: %w", err))
		}
		return result, nil
	})
}

func searchRequest(payload domain.Payload) map[string]any {
	req := map[string]any{"q": payload.Query}
	if raw, ok := payload.Params["num_results"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			req["num"] = n
		}
	}
	if gl, ok := payload.Params["country"]; ok {
		req["gl"] = gl
	}
	return req
}
