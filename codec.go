package firedoc

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	jsoniter "github.com/json-iterator/go"
)

// ToJSON encodes an application value into the wire map written to the
// store. It must not retain the returned map.
type ToJSON[T any] func(T) (map[string]any, error)

// FromJSON decodes a wire map read from the store. The map carries the
// document ID under the DB's ID field when one is configured.
type FromJSON[T any] func(map[string]any) (T, error)

// Optional is a possibly-absent document value.
type Optional[T any] struct {
	Value T
	Found bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Found: true} }
func None[T any]() Optional[T]    { return Optional[T]{} }

// Get returns the value and whether it was found.
func (o Optional[T]) Get() (T, bool) { return o.Value, o.Found }

var firestoreJSON = jsoniter.Config{
	TagKey:                 "firestore",
	ValidateJsonRawMessage: true,
}.Froze()

type jsonUnmarshaler interface {
	UnmarshalJSON([]byte) error
}

var unmarshalerType = reflect.TypeOf((*jsonUnmarshaler)(nil)).Elem()

// unmarshalJSONHook hands a stored value whose type does not match a
// json.Unmarshaler field to that field's UnmarshalJSON, e.g. a time stored
// as an RFC 3339 string.
func unmarshalJSONHook(from, to reflect.Type, data any) (any, error) {
	if from.AssignableTo(to) || !reflect.PointerTo(to).Implements(unmarshalerType) {
		return data, nil
	}
	raw, err := firestoreJSON.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := reflect.New(to)
	if err := firestoreJSON.Unmarshal(raw, out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}

// StructCodec returns a codec pair for structs tagged with `firestore:"..."`.
// Encoding keeps native field values (see StructToMap). Decoding copies the
// stored map field by field, so untyped fields keep the store's int64,
// time.Time and []byte values.
func StructCodec[T any]() (ToJSON[T], FromJSON[T]) {
	to := func(v T) (map[string]any, error) {
		return StructToMap(v)
	}
	from := func(m map[string]any) (T, error) {
		var out T
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:    "firestore",
			DecodeHook: mapstructure.DecodeHookFuncType(unmarshalJSONHook),
			Result:     &out,
		})
		if err != nil {
			return out, newError("decode", err.Error(), "", err)
		}
		if err := dec.Decode(m); err != nil {
			return out, newError("decode", err.Error(), CodeInvalidArgument, err)
		}
		return out, nil
	}
	return to, from
}

// MapCodec is the identity codec for callers working on raw maps.
func MapCodec() (ToJSON[map[string]any], FromJSON[map[string]any]) {
	to := func(m map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	from := func(m map[string]any) (map[string]any, error) {
		return m, nil
	}
	return to, from
}
