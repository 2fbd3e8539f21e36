package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an http.Client. Tool adapters, the embedding service,
// the vector index and alert notifiers each hold one.
type HTTPWrapper struct {
	client *http.Client
	g      guard
}

func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPWrapper{client: client, g: newGuard(name, service, KindHTTP, logger)}
}

// serverError marks a 5xx response for breaker accounting only.
type serverError int

func (e serverError) Error() string { return http.StatusText(int(e)) }

// Do sends req through the breaker. 5xx responses count as failures but are
// still returned to the caller with a nil error; 4xx never trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.g.call(req.Context(), func() (err error) {
		resp, err = hw.client.Do(req)
		if err == nil && resp.StatusCode >= 500 {
			return serverError(resp.StatusCode)
		}
		return err
	}, nil)
	var se serverError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

// Tripped reports whether the breaker is open.
func (hw *HTTPWrapper) Tripped() bool { return hw.g.tripped() }
