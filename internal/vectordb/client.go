// Package vectordb is a small Qdrant HTTP client used as the optional
// similarity index over evidence embeddings.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
)

const maxReply = 8 << 20

type Client struct {
	cfg  Config
	base string
	http *circuitbreaker.HTTPWrapper
	log  *zap.Logger
}

// NewClient returns nil when the index is disabled so callers can skip
// wiring it.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if !cfg.Enabled {
		return nil
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:  cfg,
		base: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		http: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:  logger,
	}
}

func newClientWithBase(cfg Config, base string, httpClient *http.Client) *Client {
	cfg.Enabled = true
	c := NewClient(cfg, httpClient, nil)
	c.base = base
	return c
}

// StatusError is a non-2xx reply from Qdrant.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("qdrant %s: status %d", e.Op, e.Code) }

func (c *Client) collectionPath(suffix string) string {
	return "/collections/" + c.cfg.Collection + suffix
}

// call sends body as JSON and returns the parsed reply. Transport failures and
// 5xx or 429 replies are transient; other non-2xx replies are permanent.
func (c *Client) call(ctx context.Context, op, method, path string, body interface{}) (gjson.Result, error) {
	url := c.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, errs.Wrapf(err, "qdrant %s", op)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return gjson.Result{}, errs.Wrapf(err, "qdrant %s", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, errs.WrapKind(err, errs.KindTransient, "qdrant %s", op)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return gjson.Result{}, errs.WrapKind(err, errs.KindTransient, "qdrant %s", op)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := errs.KindPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = errs.KindTransient
		}
		return gjson.Result{}, errs.WrapKind(&StatusError{Op: op, Code: resp.StatusCode}, kind, "qdrant")
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, errs.Newk(errs.KindPermanent, "qdrant %s: malformed reply", op)
	}
	return gjson.ParseBytes(raw), nil
}
