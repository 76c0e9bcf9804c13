// Package executor dispatches a node to the implementation registered for
// its type. The engine never inspects node types itself.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent wraps err so IsPermanent reports true. Nil stays nil.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// Dispatcher runs one node attempt.
type Dispatcher interface {
	Execute(ctx context.Context, nodeType string, input, config json.RawMessage) (json.RawMessage, error)
}

type Func func(ctx context.Context, input, config json.RawMessage) (json.RawMessage, error)

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{nodes: map[string]Func{}}
}

func (r *Registry) Register(nodeType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeType] = fn
}

// Types lists registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for t := range r.nodes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs the node. An unregistered type fails permanently.
func (r *Registry) Execute(ctx context.Context, nodeType string, input, config json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.nodes[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("no executor registered for node type %q", nodeType))
	}
	out, err := fn(ctx, input, config)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, nil
}
