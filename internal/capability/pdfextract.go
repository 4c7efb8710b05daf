package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/upstream"
)

// ProviderExtractor names the PDF extractor bucket in the upstream client.
const ProviderExtractor = "extractor"

// PDFExtract is a thin client for the external text/OCR extraction service.
// The extraction engine itself lives behind an HTTP boundary; this side
// only submits the document URL and relays the extracted result.
type PDFExtract struct {
	client  *upstream.Client
	http    *http.Client
	baseURL string
}

func NewPDFExtract(client *upstream.Client, baseURL string, timeout time.Duration) *PDFExtract {
	return &PDFExtract{
		client:  client,
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (e *PDFExtract) Execute(ctx context.Context, payload domain.Payload) ([]byte, error) {
	return e.client.Invoke(ctx, ProviderExtractor, func(ctx context.Context) ([]byte, error) {
		reqBody, err := json.Marshal(map[string]any{
			"url":    payload.URL,
			"params": payload.Params,
		})
		if err != nil {
			return nil, &domain.UpstreamError{Provider: ProviderExtractor, Permanent: true, Err: fmt.Errorf("marshal request: %w", err)}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(reqBody))
		if err != nil {
			return nil, &domain.UpstreamError{Provider: ProviderExtractor, Permanent: true, Err: fmt.Errorf("build request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.http.Do(req)
		if err != nil {
			return nil, transientNetErr(ProviderExtractor, err)
		}
		if err := classifyResponse(ProviderExtractor, resp); err != nil {
			_, _ = readBody(resp)
			return nil, err
		}

		result, err := readBody(resp)
		if err != nil {
			return nil, transientNetErr(ProviderExtractor, fmt.Errorf("read body: %w", err))
		}
		return result, nil
	})
}
