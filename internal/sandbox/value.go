package sandbox

import (
	"go.starlark.net/starlark"
)

// Kind classifies an evaluation result.
type Kind int

const (
	KindNone     Kind = iota // The body produced no value.
	KindScalar               // bool, int, float, string or bytes.
	KindSequence             // list or tuple whose items are all scalars.
	KindOpaque               // Anything else; only the repr is meaningful.
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	default:
		return "opaque"
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Kind Kind

	// Scalar holds the Go value of a scalar result: bool, int64, float64,
	// string or []byte. Integers outside the int64 range are kept as their
	// decimal string.
	Scalar any

	// Items holds the Go values of a sequence result.
	Items []any

	// Repr is the Starlark debug form of the value.
	Repr string

	// Value is the underlying frozen Starlark value.
	Value starlark.Value
}

// String returns the debug form of the result.
func (r *Result) String() string {
	if r == nil {
		return "None"
	}
	return r.Repr
}

// newResult classifies v. A nil value is treated as None.
func newResult(v starlark.Value) *Result {
	if v == nil {
		v = starlark.None
	}
	v.Freeze()
	r := &Result{Value: v, Repr: v.String()}

	if v == starlark.None {
		r.Kind = KindNone
		return r
	}
	if s, ok := scalar(v); ok {
		r.Kind = KindScalar
		r.Scalar = s
		return r
	}

	var seq starlark.Indexable
	switch x := v.(type) {
	case *starlark.List:
		seq = x
	case starlark.Tuple:
		seq = x
	}
	if seq == nil {
		r.Kind = KindOpaque
		return r
	}
	items := make([]any, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		s, ok := scalar(seq.Index(i))
		if !ok {
			r.Kind = KindOpaque
			return r
		}
		items = append(items, s)
	}
	r.Kind = KindSequence
	r.Items = items
	return r
}

func scalar(v starlark.Value) (any, bool) {
	switch x := v.(type) {
	case starlark.Bool:
		return bool(x), true
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, true
		}
		return x.String(), true
	case starlark.Float:
		return float64(x), true
	case starlark.String:
		return string(x), true
	case starlark.Bytes:
		return []byte(x), true
	}
	return nil, false
}
