// Package tools defines the tool adapter contract and the adapters the
// pipeline collects evidence with.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Idempotency declares whether an adapter call may be repeated safely.
type Idempotency string

const (
	SafeToRetry   Idempotency = "safe-to-retry"
	SideEffecting Idempotency = "side-effecting"
)

// Params are the JSON-compatible inputs of one tool call.
type Params map[string]interface{}

// String returns params[key] when it is a non-empty string.
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns params[key] as an int, accepting JSON numbers.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Result is what an adapter returns on success. Evidence items are drafts:
// the caller assigns ids and collections and commits them.
type Result struct {
	Evidence       []*models.EvidenceItem
	Summary        string
	APICallsMade   int
	BytesProcessed int64
}

// Adapter wraps one external capability.
type Adapter interface {
	Name() string
	Version() string
	MaxExecutionTime() time.Duration
	Idempotency() Idempotency
	Execute(ctx context.Context, params Params) (*Result, error)
}

// ValidateParams checks that params are representable as a protobuf Struct,
// i.e. plain JSON values the ledger can persist.
func ValidateParams(params Params) error {
	if _, err := structpb.NewStruct(params); err != nil {
		return errs.Invalid("tool params are not JSON-compatible: %v", err)
	}
	return nil
}

// Registry holds the adapters available to stage executors.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, errs.Config("tool %q is not registered", name)
	}
	return a, nil
}

// Has reports whether an adapter is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Names lists registered adapters in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe renders "name@version (idempotency)" for logs.
func Describe(a Adapter) string {
	return fmt.Sprintf("%s@%s (%s)", a.Name(), a.Version(), a.Idempotency())
}
