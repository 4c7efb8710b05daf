package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/crawlpool/crawlpool/internal/requestid"
)

func TestContextHandler_StampsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil)))

	ctx := requestid.Attach(context.Background(), "req-123")
	logger.InfoContext(ctx, "hello")

	if !strings.Contains(buf.String(), "request_id=req-123") {
		t.Errorf("log line missing request_id: %q", buf.String())
	}
}

func TestContextHandler_NoRequestIDPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "hello")

	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id in log line: %q", buf.String())
	}
}
