package payload

import (
	"encoding"
	"encoding/json"
	"reflect"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

type shape struct {
	depth      int
	properties int
}

// measure walks serialized JSON once, tracking container nesting and object
// member count without recursion. It stops as soon as a limit is exceeded,
// so arbitrarily deep input terminates in linear time.
func measure(raw []byte, maxDepth, maxProperties int) (shape, bool) {
	var (
		s        shape
		depth    int
		inString bool
		escaped  bool
		// stack of open containers; true means object
		objects = make([]bool, 0, 16)
	)

	for _, c := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > s.depth {
				s.depth = depth
			}
			if depth > maxDepth {
				return s, false
			}
			objects = append(objects, c == '{')
		case '}', ']':
			if depth > 0 {
				depth--
				objects = objects[:len(objects)-1]
			}
		case ':':
			if len(objects) > 0 && objects[len(objects)-1] {
				s.properties++
				if s.properties > maxProperties {
					return s, false
				}
			}
		}
	}
	return s, true
}

// exceedsSize reports whether the JSON encoding of v is certain to be longer
// than limit bytes. It walks v iteratively and counts a lower bound on the
// encoded size, stopping once the bound passes limit. A subtree reachable
// through several references is counted every time, as the encoder would
// emit it, so shared or cyclic values stop here instead of in the encoder.
func exceedsSize(v any, limit int) bool {
	var (
		size  int
		hops  int
		stack = []reflect.Value{reflect.ValueOf(v)}
	)
	for len(stack) > 0 {
		rv := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if rv.IsValid() && (rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer) && !rv.IsNil() &&
			!rv.Type().Implements(jsonMarshalerType) {
			hops++
			if hops > limit {
				return true
			}
			stack = append(stack, rv.Elem())
			continue
		}

		size++
		if size > limit {
			return true
		}
		if !rv.IsValid() || rv.Type().Implements(jsonMarshalerType) || rv.Type().Implements(textMarshalerType) {
			continue
		}

		switch rv.Kind() {
		case reflect.String:
			size += len(rv.String())
		case reflect.Map:
			iter := rv.MapRange()
			for iter.Next() {
				if k := iter.Key(); k.Kind() == reflect.String {
					size += len(k.String())
				}
				stack = append(stack, iter.Value())
			}
		case reflect.Slice, reflect.Array:
			// byte slices encode as one base64 string
			if rv.Type().Elem().Kind() == reflect.Uint8 {
				continue
			}
			for n := 0; n < rv.Len(); n++ {
				stack = append(stack, rv.Index(n))
			}
		}
		if size > limit {
			return true
		}
	}
	return false
}
