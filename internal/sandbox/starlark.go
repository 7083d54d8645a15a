package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	sltime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/jkaninda/yas/internal/fetch"
	"github.com/jkaninda/yas/internal/resolver"
)

const (
	// DefaultMaxSteps bounds guest computation when no limit is configured.
	DefaultMaxSteps uint64 = 10_000_000

	// defaultEntry is called when the reference carries no fragment.
	defaultEntry = "main"
)

// Fetcher retrieves remote documents for load() and http.get().
type Fetcher interface {
	Fetch(ctx context.Context, loc resolver.Location) (*fetch.Response, error)
}

// Options configures a StarlarkSandbox.
type Options struct {
	Capabilities   []Capability      // Granted capabilities. nil = DefaultCapabilities.
	MaxSteps       uint64            // Execution step budget. 0 = DefaultMaxSteps.
	MaxOutputBytes int               // print() output cap. 0 = 1 MB.
	Output         io.Writer         // print() destination. nil = discarded.
	Args           []string          // Residual arguments exposed as `args`.
	Env            map[string]string // Environment snapshot exposed as `env`.
	AllowedHosts   []string          // Hosts reachable through http and load.
	Fetcher        Fetcher           // Required when http or load is granted.
}

// StarlarkSandbox evaluates tool bodies in an embedded Starlark interpreter.
//
// Isolation guarantees:
//   - No filesystem, process or socket access from guest code
//   - Network reads only through the session fetcher, to allow-listed hosts
//   - Bounded execution steps, cancellation through the caller's context
//   - print() output capped
type StarlarkSandbox struct {
	grants       grantSet
	maxSteps     uint64
	maxOutput    int
	output       io.Writer
	args         starlark.Tuple
	env          *starlark.Dict
	allowedHosts []string
	fetcher      Fetcher
	fileOpts     *syntax.FileOptions
	logger       *slog.Logger
}

// New creates a StarlarkSandbox.
func New(opts Options, logger *slog.Logger) (*StarlarkSandbox, error) {
	caps := opts.Capabilities
	if caps == nil {
		caps = DefaultCapabilities
	}
	for _, c := range caps {
		if !catalogue[c] {
			return nil, fmt.Errorf("unknown capability %q", c)
		}
	}
	grants := newGrantSet(caps)
	if (grants.has(CapHTTP) || grants.has(CapLoad)) && opts.Fetcher == nil {
		return nil, errors.New("http and load capabilities require a fetcher")
	}

	s := &StarlarkSandbox{
		grants:       grants,
		maxSteps:     opts.MaxSteps,
		maxOutput:    opts.MaxOutputBytes,
		output:       opts.Output,
		allowedHosts: opts.AllowedHosts,
		fetcher:      opts.Fetcher,
		fileOpts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
		},
		logger: logger,
	}
	if s.maxSteps == 0 {
		s.maxSteps = DefaultMaxSteps
	}
	if s.maxOutput == 0 {
		s.maxOutput = defaultMaxOutputBytes
	}
	if s.output == nil {
		s.output = io.Discard
	}

	s.args = make(starlark.Tuple, 0, len(opts.Args))
	for _, a := range opts.Args {
		s.args = append(s.args, starlark.String(a))
	}
	s.args.Freeze()

	s.env = starlark.NewDict(len(opts.Env))
	for k, v := range opts.Env {
		_ = s.env.SetKey(starlark.String(k), starlark.String(v))
	}
	s.env.Freeze()

	return s, nil
}

// Granted reports whether c is in the allow-list.
func (s *StarlarkSandbox) Granted(c Capability) bool { return s.grants.has(c) }

// Evaluate runs src and returns its value.
func (s *StarlarkSandbox) Evaluate(ctx context.Context, src Source) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	// 1. Parse. Nothing runs before the whole body is known to be valid.
	f, err := s.fileOpts.Parse(src.Name, src.Body, 0)
	if err != nil {
		return nil, s.staticError(err)
	}

	// 2. Build the per-evaluation environment.
	ld := newLoader(s, ctx)
	predeclared := s.predeclared(src)
	thread := s.newThread(ctx, src.Name, ld)
	stop := watchContext(ctx, thread)
	defer stop()

	start := time.Now()
	s.logger.Debug("sandbox evaluating",
		slog.String("name", src.Name),
		slog.Int("bytes", len(src.Body)),
		slog.Uint64("max_steps", s.maxSteps),
	)

	// 3. A lone expression is its own result.
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			v, err := starlark.EvalExprOptions(s.fileOpts, thread, stmt.X, predeclared)
			if err != nil {
				return nil, s.evalError(ctx, err)
			}
			s.logEvaluated(thread, start)
			return newResult(v), nil
		}
	}

	// 4. Otherwise execute the module and call its entry point.
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, s.staticError(err)
	}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, s.evalError(ctx, err)
	}
	globals.Freeze()

	entry := src.Entry
	if entry == "" {
		entry = defaultEntry
	}
	fn, ok := globals[entry].(starlark.Callable)
	if !ok {
		// Only a named fragment must exist; a module without main yields None.
		if src.Entry != "" {
			return nil, fmt.Errorf("%w: entry %q is not defined", ErrRuntime, entry)
		}
		s.logEvaluated(thread, start)
		return newResult(starlark.None), nil
	}
	v, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, s.evalError(ctx, err)
	}
	s.logEvaluated(thread, start)
	return newResult(v), nil
}

func (s *StarlarkSandbox) logEvaluated(thread *starlark.Thread, start time.Time) {
	s.logger.Debug("sandbox evaluated",
		slog.Uint64("steps", thread.ExecutionSteps()),
		slog.Duration("duration", time.Since(start)),
	)
}

// newThread creates an interpreter thread bound to ctx.
func (s *StarlarkSandbox) newThread(ctx context.Context, name string, ld *loader) *starlark.Thread {
	out := &limitedWriter{w: s.output, remaining: s.maxOutput}
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(out, msg)
		},
		Load: ld.load,
	}
	thread.SetMaxExecutionSteps(s.maxSteps)
	thread.SetLocal(contextKey, ctx)
	return thread
}

// predeclared returns the globals visible to guest code: granted
// capabilities only.
func (s *StarlarkSandbox) predeclared(src Source) starlark.StringDict {
	env := starlark.StringDict{}
	if s.grants.has(CapArgs) {
		env[string(CapArgs)] = s.args
	}
	if s.grants.has(CapTool) {
		env[string(CapTool)] = starlark.String(src.Name)
	}
	if s.grants.has(CapFrag) {
		env[string(CapFrag)] = starlark.String(src.Entry)
	}
	if s.grants.has(CapEnv) {
		env[string(CapEnv)] = s.env
	}
	if s.grants.has(CapJSON) {
		env[string(CapJSON)] = json.Module
	}
	if s.grants.has(CapMath) {
		env[string(CapMath)] = math.Module
	}
	if s.grants.has(CapTime) {
		env[string(CapTime)] = sltime.Module
	}
	if s.grants.has(CapStruct) {
		env[string(CapStruct)] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	}
	if s.grants.has(CapHTTP) {
		env[string(CapHTTP)] = s.httpModule()
	}
	return env
}

// staticError classifies a parse or resolve failure. A reference to a known
// but ungranted capability is reported as a denial.
func (s *StarlarkSandbox) staticError(err error) error {
	var list resolve.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			rest, ok := strings.CutPrefix(e.Msg, "undefined: ")
			if !ok {
				continue
			}
			name, _, _ := strings.Cut(rest, " ")
			if c := Capability(name); catalogue[c] && !s.grants.has(c) {
				return fmt.Errorf("%w: %s (%s)", ErrCapabilityDenied, name, e.Pos)
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrSyntax, err)
}

// evalError classifies a runtime failure.
func (s *StarlarkSandbox) evalError(ctx context.Context, err error) error {
	var list resolve.ErrorList
	if errors.As(err, &list) {
		return s.staticError(err)
	}
	var syn syntax.Error
	if errors.As(err, &syn) {
		return s.staticError(err)
	}

	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Backtrace()
	}
	if errors.Is(err, ErrCapabilityDenied) {
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, msg)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w: %s", ErrRuntime, ctxErr, msg)
	}
	return fmt.Errorf("%w: %s", ErrRuntime, msg)
}

// watchContext cancels thread when ctx is done. The returned stop func must
// be called once the thread is finished.
func watchContext(ctx context.Context, thread *starlark.Thread) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(context.Cause(ctx).Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// contextKey is the thread-local slot holding the evaluation context.
const contextKey = "context"

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}
