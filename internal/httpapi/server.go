package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/auth"
)

// NewServer builds the admin HTTP server. Routes registered by extra run
// outside authentication (health probes).
func NewServer(port int, api *Handler, mw *auth.Middleware, extra ...func(*http.ServeMux)) *http.Server {
	protected := http.NewServeMux()
	api.RegisterRoutes(protected)

	mux := http.NewServeMux()
	for _, register := range extra {
		register(mux)
	}
	mux.Handle("/v1/", mw.HTTPMiddleware(protected))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
