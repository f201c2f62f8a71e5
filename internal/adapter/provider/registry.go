package provider

import (
	"context"
	"fmt"
)

// Registry is a capability-keyed dispatch table from a project's provider
// id to its generation backend.
type Registry struct {
	generators map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

func (r *Registry) Register(name string, g Generator) {
	r.generators[name] = g
}

func (r *Registry) For(name string) (Generator, error) {
	g, ok := r.generators[name]
	if !ok {
		return nil, &Error{Provider: name, Err: fmt.Errorf("unknown provider")}
	}
	return g, nil
}

// Serialized gates a generator behind n slots. Local inference engines
// handle one request at a time; unbounded concurrent calls would exhaust
// the machine's memory rather than queue.
func Serialized(g Generator, slots int) Generator {
	if slots <= 0 {
		slots = 1
	}
	return &serialized{inner: g, sem: make(chan struct{}, slots)}
}

type serialized struct {
	inner Generator
	sem   chan struct{}
}

func (s *serialized) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.inner.Generate(ctx, req)
}
