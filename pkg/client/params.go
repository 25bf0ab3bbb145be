package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
)

// Params are request query parameters. Values must be JSON-serializable.
type Params map[string]any

// clone returns a shallow copy, never nil.
func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// mergeParams lays overrides over defaults. A nil override removes the key.
func mergeParams(defaults, overrides Params) Params {
	merged := defaults.clone()
	for k, v := range overrides {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// encodeParams renders params as query values.
//
// Strings pass through, scalars use their text form, slices become repeated
// keys, nil values are dropped and objects are encoded as compact JSON.
func encodeParams(params Params) (url.Values, error) {
	values := url.Values{}
	for key, value := range params {
		texts, err := paramStrings(value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}
		for _, text := range texts {
			values.Add(key, text)
		}
	}
	return values, nil
}

func paramStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []byte:
		return []string{string(v)}, nil
	case bool:
		return []string{strconv.FormatBool(v)}, nil
	case json.Number:
		return []string{v.String()}, nil
	case fmt.Stringer:
		return []string{v.String()}, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			texts, err := paramStrings(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out = append(out, texts...)
		}
		return out, nil
	case reflect.Map, reflect.Struct:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return []string{string(data)}, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return paramStrings(rv.Elem().Interface())
	default:
		return []string{fmt.Sprint(value)}, nil
	}
}
