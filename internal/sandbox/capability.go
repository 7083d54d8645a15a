package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names one ability that can be granted to guest code.
type Capability string

const (
	CapArgs   Capability = "args"   // Residual command-line arguments as a tuple.
	CapTool   Capability = "tool"   // The resolved tool URL.
	CapFrag   Capability = "frag"   // The fragment of the tool reference.
	CapEnv    Capability = "env"    // Read-only snapshot of the process environment.
	CapJSON   Capability = "json"   // json.encode / json.decode.
	CapMath   Capability = "math"   // math module.
	CapTime   Capability = "time"   // time module, including the wall clock.
	CapStruct Capability = "struct" // struct() constructor.
	CapHTTP   Capability = "http"   // http.get through the session cache, allow-listed hosts only.
	CapLoad   Capability = "load"   // load() of remote modules, allow-listed hosts only.
)

// catalogue lists every known capability. Guest references to one of these
// names that was not granted are reported as ErrCapabilityDenied rather than
// as an undefined name.
var catalogue = map[Capability]bool{
	CapArgs:   true,
	CapTool:   true,
	CapFrag:   true,
	CapEnv:    true,
	CapJSON:   true,
	CapMath:   true,
	CapTime:   true,
	CapStruct: true,
	CapHTTP:   true,
	CapLoad:   true,
}

// DefaultCapabilities is the grant used when none is configured: values
// describing the invocation plus pure-computation modules.
var DefaultCapabilities = []Capability{CapArgs, CapTool, CapFrag, CapJSON, CapMath, CapTime, CapStruct}

// ParseCapabilities validates capability names. Names are case-insensitive
// and blanks are skipped.
func ParseCapabilities(names []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	seen := make(map[Capability]bool, len(names))
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		if c == "" || seen[c] {
			continue
		}
		if !catalogue[c] {
			return nil, fmt.Errorf("unknown capability %q (known: %s)", n, strings.Join(KnownCapabilities(), ", "))
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps, nil
}

// KnownCapabilities returns the sorted capability names.
func KnownCapabilities() []string {
	names := make([]string, 0, len(catalogue))
	for c := range catalogue {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}

// grantSet is the capability allow-list of one evaluator.
type grantSet map[Capability]bool

func newGrantSet(caps []Capability) grantSet {
	g := make(grantSet, len(caps))
	for _, c := range caps {
		g[c] = true
	}
	return g
}

func (g grantSet) has(c Capability) bool { return g[c] }
