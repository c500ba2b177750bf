// Package config builds the dynamic, protobuf-backed attribute values
// module-construction call sites attach to ports — a strongly typed
// stand-in for untyped config maps.
package config

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Attrs converts a plain Go map of JSON-like scalars/lists/maps into a
// structpb.Struct suitable for record.Record.Attrs.
func Attrs(values map[string]any) (*structpb.Struct, error) {
	if values == nil {
		return nil, nil
	}
	s, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("config: building attrs: %w", err)
	}
	return s, nil
}

// Get extracts a typed value for key from a structpb.Struct built by
// Attrs. It returns ok=false if the struct is nil, the key is absent,
// or the stored value does not have the requested shape.
func Get[T any](s *structpb.Struct, key string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.Fields[key]
	if !ok {
		return zero, false
	}
	asAny := v.AsInterface()
	typed, ok := asAny.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
