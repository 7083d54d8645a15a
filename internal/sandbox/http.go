package sandbox

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/jkaninda/yas/internal/fetch"
)

// httpModule exposes read-only HTTP access through the session fetcher.
func (s *StarlarkSandbox) httpModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get": starlark.NewBuiltin("http.get", s.httpGet),
		},
	}
}

// httpGet implements http.get(url). Non-2xx statuses are returned to the
// guest with an empty body rather than raised.
func (s *StarlarkSandbox) httpGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ref string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ref); err != nil {
		return nil, err
	}
	loc, err := s.resolveGuestURL(thread, ref)
	if err != nil {
		return nil, err
	}

	resp, err := s.fetcher.Fetch(threadContext(thread), loc)
	var statusErr *fetch.StatusError
	switch {
	case errors.As(err, &statusErr):
		return httpResponse(statusErr.Code, "", loc.String(), false), nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return httpResponse(resp.StatusCode, string(resp.Body), resp.URL, resp.FromCache), nil
}

func httpResponse(status int, body, url string, fromCache bool) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"status":     starlark.MakeInt(status),
		"body":       starlark.String(body),
		"url":        starlark.String(url),
		"from_cache": starlark.Bool(fromCache),
	})
}
