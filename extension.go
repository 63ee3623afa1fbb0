package invoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sync"
)

var extensionTypes sync.Map // key -> reflect.Type

// RegisterExtension declares the Go type stored under an extension key.
// Restored snapshots decode the key's value into that type. Values under
// unregistered keys come back as generic JSON values, with integral numbers
// as int and all other numbers as float64.
func RegisterExtension[T any](key string) {
	extensionTypes.Store(key, reflect.TypeFor[T]())
}

// UnmarshalJSON decodes a record, restoring extension values with their
// registered types.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		Extra map[string]json.RawMessage `json:"extra"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Extra = nil
	if aux.Extra == nil {
		return nil
	}
	r.Extra = make(map[string]any, len(aux.Extra))
	for key, raw := range aux.Extra {
		v, err := decodeExtension(key, raw)
		if err != nil {
			return err
		}
		r.Extra[key] = v
	}
	return nil
}

func decodeExtension(key string, raw json.RawMessage) (any, error) {
	if t, ok := extensionTypes.Load(key); ok {
		v := reflect.New(t.(reflect.Type))
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return nil, fmt.Errorf("extension %s: %w", key, err)
		}
		return v.Elem().Interface(), nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("extension %s: %w", key, err)
	}
	return genericNumbers(v), nil
}

func genericNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = genericNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = genericNumbers(e)
		}
		return x
	default:
		return v
	}
}
