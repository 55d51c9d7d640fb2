// Package canonicaljson implements Matrix's canonical JSON serialization:
// object keys sorted lexically at every level, no insignificant whitespace,
// numbers as the shortest round-tripping integer decimal, and UTF-8 strings
// with the usual JSON escapes. The serializer writes into a caller-provided
// slab (an internal/buf.Window) so hot paths (event hashing, state-tree
// node writes) avoid incidental allocation, per the source's thread-local
// scratch buffer pattern re-architected as an explicit parameter.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/buf"
)

// Marshal returns the canonical JSON encoding of v.
//
// v must decode (via encoding/json semantics) into one of: nil, bool,
// float64/json.Number, string, []any, or map[string]any. Passing a Go struct
// works too, as it is first round-tripped through encoding/json to obtain a
// generic value tree, then canonicalized.
func Marshal(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonicaljson: normalize input")
	}
	w := buf.NewWindow(make([]byte, 0, 256))
	if err := writeValue(w, generic); err != nil {
		return nil, err
	}
	return w.Written(), nil
}

// MarshalInto serializes v into the provided window buffer, returning the
// number of bytes written. The buffer's existing cursor position is left
// untouched; bytes are appended starting at the buffer's current position.
func MarshalInto(w *buf.Window, v any) (int, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return 0, errors.Wrap(err, "canonicaljson: normalize input")
	}
	before := w.Len()
	if err := writeValue(w, generic); err != nil {
		return 0, err
	}
	return w.Len() - before, nil
}

// Fixpoint reports whether re-serializing the canonical form of v
// reproduces the same bytes.
func Fixpoint(v any) (bool, error) {
	first, err := Marshal(v)
	if err != nil {
		return false, err
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return false, err
	}
	second, err := Marshal(generic)
	if err != nil {
		return false, err
	}
	return string(first) == string(second), nil
}

func toGeneric(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, json.Number,
		[]any, map[string]any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func writeValue(w *buf.Window, v any) error {
	switch t := v.(type) {
	case nil:
		w.WriteString("null")
		return nil
	case bool:
		if t {
			w.WriteString("true")
		} else {
			w.WriteString("false")
		}
		return nil
	case string:
		writeString(w, t)
		return nil
	case json.Number:
		return writeNumber(w, t)
	case float64:
		return writeNumber(w, json.Number(strconv.FormatFloat(t, 'g', -1, 64)))
	case int:
		w.WriteString(strconv.Itoa(t))
		return nil
	case int64:
		w.WriteString(strconv.FormatInt(t, 10))
		return nil
	case []any:
		return writeArray(w, t)
	case map[string]any:
		return writeObject(w, t)
	default:
		return errors.Errorf("canonicaljson: unsupported value type %T", v)
	}
}

func writeNumber(w *buf.Window, n json.Number) error {
	// Matrix canonical JSON requires integers; reject anything with a
	// fraction or exponent rather than silently truncating.
	f, err := n.Float64()
	if err != nil {
		return errors.Wrap(err, "canonicaljson: invalid number")
	}
	if math.Trunc(f) != f || math.IsInf(f, 0) || math.IsNaN(f) {
		return errors.Errorf("canonicaljson: non-integer number %s not representable", n.String())
	}
	i, err := n.Int64()
	if err != nil {
		// Magnitude beyond int64 but still an integer value; fall back to
		// the shortest decimal string already held by json.Number.
		w.WriteString(n.String())
		return nil
	}
	w.WriteString(strconv.FormatInt(i, 10))
	return nil
}

func writeArray(w *buf.Window, a []any) error {
	w.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			w.WriteByte(',')
		}
		if err := writeValue(w, elem); err != nil {
			return err
		}
	}
	w.WriteByte(']')
	return nil
}

func writeObject(w *buf.Window, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.WriteByte(',')
		}
		writeString(w, k)
		w.WriteByte(':')
		if err := writeValue(w, m[k]); err != nil {
			return err
		}
	}
	w.WriteByte('}')
	return nil
}

func writeString(w *buf.Window, s string) {
	w.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			w.WriteString(`\"`)
		case '\\':
			w.WriteString(`\\`)
		case '\n':
			w.WriteString(`\n`)
		case '\r':
			w.WriteString(`\r`)
		case '\t':
			w.WriteString(`\t`)
		default:
			if r < 0x20 {
				w.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				w.WriteRune(r)
			}
		}
	}
	w.WriteByte('"')
}
