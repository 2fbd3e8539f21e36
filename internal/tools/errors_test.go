package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		transient bool
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout, true},
		{"invalid input", errs.Invalid("bad url"), ErrUpstream, false},
		{"config", errs.Config("missing key"), ErrUpstream, false},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, ErrUpstream, true},
		{"plain", errors.New("connection reset"), ErrUpstream, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := Classify(tt.err)
			require.NotNil(t, te)
			assert.Equal(t, tt.wantType, te.Type)
			assert.Equal(t, tt.transient, te.Transient())
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestClassifyPassesToolErrorThrough(t *testing.T) {
	orig := NewError(ErrInvalidResponse, "bad payload")
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
	assert.False(t, got.Transient())
	assert.Equal(t, errs.KindPermanent, got.Kind())
}

func TestClassifyStatus(t *testing.T) {
	mk := func(code int, h http.Header) *http.Response {
		if h == nil {
			h = http.Header{}
		}
		return &http.Response{StatusCode: code, Header: h}
	}

	assert.Nil(t, ClassifyStatus(mk(200, nil)))
	assert.Nil(t, ClassifyStatus(mk(204, nil)))

	te := ClassifyStatus(mk(429, http.Header{"Retry-After": []string{"3"}}))
	require.NotNil(t, te)
	assert.Equal(t, ErrRateLimited, te.Type)
	assert.Equal(t, 3*time.Second, te.RetryAfter)
	assert.True(t, te.Transient())

	te = ClassifyStatus(mk(504, nil))
	assert.Equal(t, ErrTimeout, te.Type)

	te = ClassifyStatus(mk(503, nil))
	assert.Equal(t, ErrUpstream, te.Type)
	assert.True(t, te.Transient())

	for _, code := range []int{401, 403, 404} {
		te = ClassifyStatus(mk(code, nil))
		assert.Equal(t, ErrUpstream, te.Type, code)
		assert.True(t, te.Permanent, code)
		assert.False(t, te.Transient(), code)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, 10*time.Second, parseRetryAfter("10"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 30*time.Second)
}
