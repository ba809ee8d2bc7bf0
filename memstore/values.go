package memstore

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/smarter-day/firedoc"
)

var timeType = reflect.TypeOf(time.Time{})

// normalize converts v to the forms a document store hands back: int64,
// float64, string, bool, time.Time, []byte, []any and map[string]any.
// Structs are flattened through their firestore tags. Unsigned integers
// above math.MaxInt64 are rejected.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case serverTimestamp, time.Time:
		return t, nil
	case []byte:
		return append([]byte(nil), t...), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case firedoc.Value:
		return normalize(t.Interface())
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		return normalizeSlice(reflect.ValueOf(t))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%T %d overflows int64", v, u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		return normalizeSlice(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Struct:
		if rv.Type().ConvertibleTo(timeType) {
			return rv.Convert(timeType).Interface(), nil
		}
		m, err := firedoc.StructToMap(v)
		if err != nil {
			return v, nil
		}
		return normalize(m)
	}
	return v, nil
}

func normalizeSlice(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		n, err := normalize(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// lookup resolves a dotted field path.
func lookup(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Type ranks follow the cross-type ordering of Firestore.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankBytes
	rankArray
	rankMap
	rankOther
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case int64, float64:
		return rankNumber
	case time.Time:
		return rankTime
	case string:
		return rankString
	case []byte:
		return rankBytes
	case []any:
		return rankArray
	case map[string]any:
		return rankMap
	}
	return rankOther
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
		return cmp.Compare(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, float64(y))
		}
		return cmp.Compare(x, b.(float64))
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return cmp.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case map[string]any:
		return compareMaps(x, b.(map[string]any))
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	return -1
}

func compareMaps(a, b map[string]any) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := cmp.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := compareValues(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ka), len(kb))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equal(a, b any) bool {
	return rank(a) == rank(b) && compareValues(a, b) == 0
}

func contains(list []any, v any) bool {
	for _, e := range list {
		if equal(e, v) {
			return true
		}
	}
	return false
}

// matchFilter applies op to a present field value v. want is normalized.
func matchFilter(v any, op firedoc.Operator, want any) bool {
	switch op {
	case firedoc.OpEqual:
		return equal(v, want)
	case firedoc.OpNotEqual:
		if v == nil && want != nil {
			return false
		}
		return !equal(v, want)
	case firedoc.OpLessThan, firedoc.OpLessOrEqual, firedoc.OpGreaterThan, firedoc.OpGreaterOrEqual:
		if rank(v) != rank(want) || v == nil {
			return false
		}
		c := compareValues(v, want)
		switch op {
		case firedoc.OpLessThan:
			return c < 0
		case firedoc.OpLessOrEqual:
			return c <= 0
		case firedoc.OpGreaterThan:
			return c > 0
		}
		return c >= 0
	case firedoc.OpArrayContains:
		arr, ok := v.([]any)
		return ok && contains(arr, want)
	case firedoc.OpArrayContainsAny:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, w := range want.([]any) {
			if contains(arr, w) {
				return true
			}
		}
		return false
	case firedoc.OpIn:
		return contains(want.([]any), v)
	case firedoc.OpNotIn:
		return v != nil && !contains(want.([]any), v)
	}
	return false
}
