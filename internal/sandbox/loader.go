package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"go.starlark.net/starlark"

	"github.com/jkaninda/yas/internal/resolver"
)

// loadEntry memoises one module. A nil entry in the map marks a load in
// progress.
type loadEntry struct {
	globals starlark.StringDict
	err     error
}

// loader resolves load() statements against the loading module's URL and
// fetches modules through the session fetcher. Modules are loaded once per
// evaluation.
type loader struct {
	sb    *StarlarkSandbox
	ctx   context.Context
	cache map[string]*loadEntry
}

func newLoader(sb *StarlarkSandbox, ctx context.Context) *loader {
	return &loader{sb: sb, ctx: ctx, cache: make(map[string]*loadEntry)}
}

func (l *loader) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if !l.sb.grants.has(CapLoad) {
		return nil, fmt.Errorf("%w: load %q", ErrCapabilityDenied, module)
	}

	loc, err := l.sb.resolveGuestURL(thread, module)
	if err != nil {
		return nil, err
	}
	key := loc.String()

	e, ok := l.cache[key]
	if e == nil {
		if ok {
			return nil, errors.New("cycle in load graph")
		}
		l.cache[key] = nil
		globals, err := l.exec(loc)
		e = &loadEntry{globals: globals, err: err}
		l.cache[key] = e
	}
	return e.globals, e.err
}

// exec fetches and runs one module on a fresh thread.
func (l *loader) exec(loc resolver.Location) (starlark.StringDict, error) {
	if err := l.ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := l.sb.fetcher.Fetch(l.ctx, loc)
	if err != nil {
		return nil, err
	}
	l.sb.logger.Debug("sandbox loaded module",
		slog.String("url", resp.URL),
		slog.Bool("from_cache", resp.FromCache),
	)

	name := loc.String()
	thread := l.sb.newThread(l.ctx, name, l)
	stop := watchContext(l.ctx, thread)
	defer stop()

	src := Source{Name: name, Entry: loc.Fragment}
	globals, err := starlark.ExecFileOptions(l.sb.fileOpts, thread, name, resp.Body, l.sb.predeclared(src))
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	return globals, nil
}

// resolveGuestURL resolves a guest-supplied reference relative to the
// running module and enforces the host allow-list.
func (s *StarlarkSandbox) resolveGuestURL(thread *starlark.Thread, ref string) (resolver.Location, error) {
	base, err := url.Parse(thread.Name)
	if err != nil || !base.IsAbs() {
		base = nil
	}
	if base == nil {
		// No anchor (e.g. the REPL): only absolute references work.
		u, perr := url.Parse(ref)
		if perr != nil || !u.IsAbs() {
			return resolver.Location{}, fmt.Errorf("%w: %q", resolver.ErrMalformed, ref)
		}
		base = u
	}
	loc, err := resolver.Resolve(base, ref)
	if err != nil {
		return resolver.Location{}, err
	}
	if !IsHostAllowed(loc.URL.Host, s.allowedHosts) {
		return resolver.Location{}, fmt.Errorf("%w: host %q is not allowed", ErrCapabilityDenied, loc.URL.Host)
	}
	return loc, nil
}
