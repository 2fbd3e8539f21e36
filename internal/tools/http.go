package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
)

const defaultMaxBodyBytes = 4 << 20

// httpCaller is the plumbing shared by HTTP-backed adapters: rate limiting,
// circuit breaking, trace propagation and status classification.
type httpCaller struct {
	tool     string
	hw       *circuitbreaker.HTTPWrapper
	limits   *ratecontrol.Controller
	maxBytes int64
	logger   *zap.Logger
}

func newHTTPCaller(tool string, client *http.Client, limits *ratecontrol.Controller, maxBytes int64, logger *zap.Logger) *httpCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return &httpCaller{
		tool:     tool,
		hw:       circuitbreaker.NewHTTPWrapper(client, tool, "tools", logger),
		limits:   limits,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// do sends req and returns the body of a 2xx response. Non-2xx responses and
// transport failures come back as *ToolError.
func (c *httpCaller) do(ctx context.Context, req *http.Request) ([]byte, *http.Response, error) {
	if err := c.limits.Wait(ctx, c.tool); err != nil {
		return nil, nil, Classify(err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, req.Method, req.URL.String())
	defer span.End()
	req = req.WithContext(ctx)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.hw.Do(req)
	if err != nil {
		return nil, nil, Classify(err)
	}
	defer resp.Body.Close()

	if te := ClassifyStatus(resp); te != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		c.logger.Debug("Tool upstream returned error status",
			zap.String("tool", c.tool),
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.Redacted()),
		)
		return nil, resp, te
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, resp, Classify(err)
	}
	return body, resp, nil
}

// postJSON marshals payload, posts it to url and returns the response body.
func (c *httpCaller) postJSON(ctx context.Context, url string, payload interface{}, headers map[string]string) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, NewError(ErrInvalidResponse, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	body, _, err := c.do(ctx, req)
	return body, err
}
