// Package fakesys provides in-process stand-ins for the host tools and the
// network link, for testing components that drive system.Runner and
// system.Link.
//
// Responses are scripted per tool name. Queued responses are consumed in
// order and the last one is repeated once the queue is drained.
package fakesys

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"

	"go.olrik.dev/wicman/internal/system"
)

// Call records one Run invocation.
type Call struct {
	Name string
	Args []string
}

type response struct {
	output []byte
	err    error
}

// HandlerFunc computes a response from the arguments of a call.
type HandlerFunc func(ctx context.Context, args []string) ([]byte, error)

// Runner is a scripted system.Runner.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]response
	handlers  map[string]HandlerFunc
	calls     []Call
}

var _ system.Runner = (*Runner)(nil)

func NewRunner() *Runner {
	return &Runner{
		responses: make(map[string][]response),
		handlers:  make(map[string]HandlerFunc),
	}
}

// On queues a response for the named tool.
func (r *Runner) On(name, output string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[name] = append(r.responses[name], response{output: []byte(output), err: err})
	return r
}

// Handle routes every call of the named tool to fn. Handlers take precedence
// over queued responses.
func (r *Runner) Handle(name string, fn HandlerFunc) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
	return r
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: slices.Clone(args)})
	handler := r.handlers[name]
	queue := r.responses[name]
	var resp response
	found := len(queue) > 0
	if found {
		resp = queue[0]
		if len(queue) > 1 {
			r.responses[name] = queue[1:]
		}
	}
	r.mu.Unlock()

	if handler != nil {
		return handler(ctx, args)
	}
	if !found {
		return nil, fmt.Errorf("fakesys: no response scripted for %s", name)
	}
	return resp.output, resp.err
}

// Calls returns every invocation so far.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how often the named tool ran.
func (r *Runner) CallCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.calls {
		if c.Name == name {
			count++
		}
	}
	return count
}

// Link is a scripted system.Link.
type Link struct {
	mu         sync.Mutex
	UpErr      error
	Gateway    net.IP
	GatewayErr error
	ups        []string
}

var _ system.Link = (*Link)(nil)

func NewLink() *Link {
	return &Link{}
}

func (l *Link) Up(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ups = append(l.ups, name)
	if l.UpErr != nil {
		return &system.InterfaceError{Interface: name, Err: l.UpErr}
	}
	return nil
}

func (l *Link) DefaultGateway(string) (net.IP, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.GatewayErr != nil {
		return nil, l.GatewayErr
	}
	if l.Gateway == nil {
		return nil, system.ErrNoGateway
	}
	return l.Gateway, nil
}

// UpCount returns how often Up was called.
func (l *Link) UpCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ups)
}
