package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string                    { return s.name }
func (s stubAdapter) Version() string                 { return "0.1.0" }
func (s stubAdapter) MaxExecutionTime() time.Duration { return time.Second }
func (s stubAdapter) Idempotency() Idempotency        { return SafeToRetry }
func (s stubAdapter) Execute(context.Context, Params) (*Result, error) {
	return &Result{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{"web_search"}, stubAdapter{"ai_analysis"})
	r.Register(stubAdapter{"html_collector"})

	assert.Equal(t, []string{"ai_analysis", "html_collector", "web_search"}, r.Names())
	assert.True(t, r.Has("web_search"))
	assert.False(t, r.Has("browser_capture"))

	a, err := r.Get("html_collector")
	require.NoError(t, err)
	assert.Equal(t, "html_collector@0.1.0 (safe-to-retry)", Describe(a))

	_, err = r.Get("browser_capture")
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestParams(t *testing.T) {
	p := Params{"query": "acme", "num": float64(5), "n": 3, "bad": true}
	assert.Equal(t, "acme", p.String("query"))
	assert.Equal(t, "", p.String("bad"))
	assert.Equal(t, 5, p.Int("num", 1))
	assert.Equal(t, 3, p.Int("n", 1))
	assert.Equal(t, 7, p.Int("missing", 7))
}

func TestValidateParams(t *testing.T) {
	require.NoError(t, ValidateParams(Params{"query": "acme", "num": 3, "tags": []interface{}{"a"}}))

	err := ValidateParams(Params{"ch": make(chan int)})
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
}
