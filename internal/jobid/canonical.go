package jobid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders v with map keys sorted and Set elements ordered by
// their own canonical encoding. Equal argument sets produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return payload, nil
}

// canonicalize reduces v to nil, bool, string, json.Number, map[string]any and
// []any. Anything else is round-tripped through encoding/json first.
func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return t, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return json.Number(raw), nil
	case Args:
		return canonicalizeMap(t)
	case map[string]any:
		return canonicalizeMap(t)
	case Set:
		return canonicalizeSet(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			c, err := canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrSerialization, v, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		var decoded any
		if err := decoder.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrSerialization, v, err)
		}
		return canonicalize(decoded)
	}
}

func canonicalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for key, value := range m {
		c, err := canonicalize(value)
		if err != nil {
			return nil, err
		}
		out[key] = c
	}
	return out, nil
}

func canonicalizeSet(s Set) ([]any, error) {
	type entry struct {
		encoded string
		value   any
	}
	entries := make([]entry, 0, len(s))
	for _, elem := range s {
		c, err := canonicalize(elem)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		entries = append(entries, entry{encoded: string(raw), value: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].encoded < entries[j].encoded })
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out, nil
}

// renderValue prints a canonical value the way keyed templates show it:
// scalars bare, maps as {k:v,...} in key order, lists as [a,b].
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for key := range t {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, key := range keys {
			parts[i] = key + ":" + renderValue(t[key])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, len(t))
		for i, elem := range t {
			parts[i] = renderValue(elem)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprint(t)
	}
}
