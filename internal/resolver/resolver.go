// Package resolver turns a tool reference into the absolute location it is
// fetched from.
//
// A reference is joined against a base URL with standard relative-URL
// semantics: absolute references replace the base, relative references are
// resolved against the base path with dot segments removed. The fragment of
// the joined URL is split off and returned separately; it never reaches the
// network.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel is the reference used when the caller supplies none.
const Sentinel = "repl"

// ErrMalformed is returned when a reference (or base) does not describe a
// valid http(s) network location.
var ErrMalformed = errors.New("malformed tool reference")

// Location is a resolved fetch target.
type Location struct {
	URL      *url.URL // Absolute http(s) URL without fragment.
	Fragment string   // Sub-document selector, empty when absent.
}

// String returns the fetch URL.
func (l Location) String() string {
	if l.URL == nil {
		return ""
	}
	return l.URL.String()
}

// ParseBase parses and validates a base location.
func ParseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: base %q: %v", ErrMalformed, raw, err)
	}
	if err := checkNetwork(u); err != nil {
		return nil, fmt.Errorf("%w: base %q: %v", ErrMalformed, raw, err)
	}
	return u, nil
}

// Resolve joins reference against base. An empty reference resolves like
// Sentinel. Resolve performs no I/O and never mutates base.
func Resolve(base *url.URL, reference string) (Location, error) {
	if base == nil {
		return Location{}, fmt.Errorf("%w: no base location", ErrMalformed)
	}
	ref := strings.TrimSpace(reference)
	if ref == "" {
		ref = Sentinel
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %q: %v", ErrMalformed, reference, err)
	}
	// "example.com:8080" parses as scheme "example.com" with opaque "8080";
	// read it as a host:port shorthand instead.
	if u.Opaque != "" {
		u, err = url.Parse("//" + ref)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %v", ErrMalformed, reference, err)
		}
	}

	joined := base.ResolveReference(u)
	if err := checkNetwork(joined); err != nil {
		return Location{}, fmt.Errorf("%w: %q: %v", ErrMalformed, reference, err)
	}

	frag := joined.Fragment
	joined.Fragment = ""
	joined.RawFragment = ""
	return Location{URL: joined, Fragment: frag}, nil
}

func checkNetwork(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Opaque != "" {
		return errors.New("opaque URL")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}
