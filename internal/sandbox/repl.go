package sandbox

import (
	"context"

	"go.starlark.net/repl"
)

// Interactive runs a read-eval-print loop on the terminal with the same
// grants and limits as Evaluate. It returns when the user ends input.
func (s *StarlarkSandbox) Interactive(ctx context.Context, name string) {
	thread := s.newThread(ctx, name, newLoader(s, ctx))
	repl.REPLOptions(s.fileOpts, thread, s.predeclared(Source{Name: name}))
}
