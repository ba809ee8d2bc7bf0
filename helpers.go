package firedoc

import (
	"reflect"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsNotFoundError reports whether err is a 'NotFound' failure, either as a raw
// gRPC status or as a translated *Error.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if ErrorCode(err) == CodeNotFound {
		return true
	}
	return status.Code(err) == codes.NotFound
}

// SubCollectionPath composes parent/parentID/name.
func SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName string) string {
	return parentCollectionPath + "/" + parentDocID + "/" + subCollectionName
}

// checkCollectionPath validates a collection path: an odd number of
// non-empty segments.
func checkCollectionPath(op, path string) error {
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return newError(op, "empty segment in collection path "+path, CodeInvalidArgument, nil)
		}
	}
	if len(segments)%2 == 0 {
		return newError(op, "collection path "+path+" points at a document", CodeInvalidArgument, nil)
	}
	return nil
}

func checkDocID(op, id string) error {
	if id == "" {
		return newError(op, "document ID cannot be empty", CodeInvalidArgument, nil)
	}
	if strings.Contains(id, "/") {
		return newError(op, "document ID "+id+" contains '/'", CodeInvalidArgument, nil)
	}
	return nil
}

// StructToMap converts a struct to a map, using the "firestore" tag for field names.
// Untagged fields and fields tagged "-" are skipped; ",omitempty" drops zero values.
// Field values are kept as they are, so times and nested structs reach the
// driver in their native form.
func StructToMap(model interface{}) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, newError("encode", "nil model", CodeInvalidArgument, nil)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, newError("encode", "model must be a struct or pointer to a struct, got "+v.Kind().String(), CodeInvalidArgument, nil)
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		fieldDef := t.Field(i)
		if !fieldDef.IsExported() {
			continue
		}
		firestoreTag := fieldDef.Tag.Get("firestore")
		if firestoreTag == "" || firestoreTag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(firestoreTag, ",")
		fieldVal := v.Field(i)
		if strings.Contains(opts, "omitempty") && fieldVal.IsZero() {
			continue
		}
		data[name] = fieldVal.Interface()
	}
	return data, nil
}
