package rpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Service answers calls. The returned error, if any, is sent back to the
// caller as a ServerError.
type Service interface {
	Serve(ctx context.Context, method string, args []byte) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, args []byte) ([]byte, error)

var _ Service = (*ServeMux)(nil)

// ServeMux routes calls to handlers by method name.
type ServeMux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewServeMux() *ServeMux {
	return &ServeMux{handlers: make(map[string]HandlerFunc)}
}

func (m *ServeMux) Handle(method string, fn HandlerFunc) {
	if method == "" {
		panic("rpc: empty method name")
	}
	if fn == nil {
		panic("rpc: nil handler for " + method)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[method]; exists {
		panic("rpc: multiple registrations for " + method)
	}
	m.handlers[method] = fn
}

func (m *ServeMux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	methods := maps.Keys(m.handlers)
	slices.Sort(methods)
	return methods
}

func (m *ServeMux) Serve(ctx context.Context, method string, args []byte) (res []byte, err error) {
	m.mu.RLock()
	fn, exists := m.handlers[method]
	m.mu.RUnlock()

	if !exists {
		return nil, NewError(ErrorCodeNotFound, "unknown method '%s'", method)
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewError(ErrorCodeInternal, "panic in '%s': %v\n%s", method, r, debug.Stack())
		}
	}()

	res, err = fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return res, nil
}
