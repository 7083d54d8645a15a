// Package sandbox evaluates untrusted tool bodies inside an embedded Starlark
// interpreter with a restricted capability set.
// Guest code gets no filesystem, process or network access of its own; every
// ability beyond pure computation is an explicit, named grant.
package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrSyntax is returned when a body cannot be parsed or resolved.
	ErrSyntax = errors.New("syntax error")
	// ErrRuntime is returned when evaluation fails.
	ErrRuntime = errors.New("runtime error")
	// ErrCapabilityDenied is returned when guest code reaches for an ability
	// it was not granted.
	ErrCapabilityDenied = errors.New("capability denied")
)

// Evaluator runs a source body and returns its result.
type Evaluator interface {
	Evaluate(ctx context.Context, src Source) (*Result, error)
}

// Source is a body to evaluate.
type Source struct {
	// Name identifies the body in backtraces and anchors relative load()
	// and http.get() references. Normally the resolved fetch URL.
	Name string

	Body []byte

	// Entry names the global called after module execution. Empty = "main",
	// called only if defined.
	Entry string
}
