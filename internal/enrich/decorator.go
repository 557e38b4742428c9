// Package enrich implements the enrichment chain applied to every event
// just before serialization: an ordered sequence of decorators, each of
// which may veto the event entirely.
package enrich

import "github.com/dipatid/cpp-client-telemetry/internal/model"

// Decorator mutates an event in place and reports whether it should
// continue through the pipeline. Returning false drops the event
// silently.
type Decorator interface {
	Decorate(e *model.Event) bool
}

// Chain runs decorators in order, short-circuiting on the first veto.
type Chain struct {
	decorators []Decorator
}

// NewChain builds a Chain from the given decorators, applied in order.
func NewChain(decorators ...Decorator) *Chain {
	return &Chain{decorators: decorators}
}

// Decorate runs every decorator in order; returns false (drop) as soon as
// any decorator vetoes.
func (c *Chain) Decorate(e *model.Event) bool {
	for _, d := range c.decorators {
		if !d.Decorate(e) {
			return false
		}
	}
	return true
}
