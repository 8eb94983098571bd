// Package schema models the JSON-Schema-shaped input descriptions that
// tool servers advertise for their capabilities. Each server defines its
// own schemas at runtime, so rather than generating Go types per
// capability, a schema is parsed into a structural [Schema] value that
// can validate decoded JSON arguments before a call is dispatched.
//
// Only the structural subset that matters for argument checking is
// understood: type (single or list), properties, required,
// additionalProperties (boolean form), items, and enum. Unknown
// keywords are ignored, so an unfamiliar schema degrades to a more
// permissive check rather than a rejected call.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// Kind is a JSON value type.
type Kind string

// JSON value kinds understood by the validator.
const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
)

// Schema is the structural form of an input schema. An empty Kinds list
// accepts any value.
type Schema struct {
	Kinds       []Kind
	Description string

	// Object keywords.
	Properties           map[string]*Schema
	Required             []string
	AdditionalProperties *bool

	// Array keywords.
	Items *Schema

	Enum []any
}

// Parse converts a decoded JSON schema document into a Schema. A nil
// document yields a schema that accepts anything.
func Parse(doc map[string]any) (*Schema, error) {
	if doc == nil {
		return &Schema{}, nil
	}
	return parse(doc, "")
}

func parse(doc map[string]any, path string) (*Schema, error) {
	s := &Schema{}
	if d, ok := doc["description"].(string); ok {
		s.Description = d
	}

	switch t := doc["type"].(type) {
	case nil:
	case string:
		k, err := parseKind(t, path)
		if err != nil {
			return nil, err
		}
		s.Kinds = []Kind{k}
	case []any:
		for _, v := range t {
			name, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s: type list must contain strings", where(path))
			}
			k, err := parseKind(name, path)
			if err != nil {
				return nil, err
			}
			s.Kinds = append(s.Kinds, k)
		}
	case []string:
		for _, name := range t {
			k, err := parseKind(name, path)
			if err != nil {
				return nil, err
			}
			s.Kinds = append(s.Kinds, k)
		}
	default:
		return nil, fmt.Errorf("%s: type must be a string or list", where(path))
	}

	if props, ok := doc["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*Schema, len(props))
		for name, raw := range props {
			sub, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: property schema must be an object", where(join(path, name)))
			}
			ps, err := parse(sub, join(path, name))
			if err != nil {
				return nil, err
			}
			s.Properties[name] = ps
		}
	}

	switch req := doc["required"].(type) {
	case []any:
		for _, v := range req {
			if name, ok := v.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	case []string:
		s.Required = append(s.Required, req...)
	}

	if ap, ok := doc["additionalProperties"].(bool); ok {
		s.AdditionalProperties = &ap
	}

	if items, ok := doc["items"].(map[string]any); ok {
		is, err := parse(items, path+"[]")
		if err != nil {
			return nil, err
		}
		s.Items = is
	}

	if enum, ok := doc["enum"].([]any); ok {
		s.Enum = enum
	}

	return s, nil
}

func parseKind(name, path string) (Kind, error) {
	switch k := Kind(name); k {
	case KindObject, KindArray, KindString, KindNumber, KindInteger, KindBoolean, KindNull:
		return k, nil
	default:
		return "", fmt.Errorf("%s: unknown type %q", where(path), name)
	}
}

// Accepts reports whether the schema allows values of kind k.
func (s *Schema) Accepts(k Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	if slices.Contains(s.Kinds, k) {
		return true
	}
	// Every integer is also a number.
	return k == KindInteger && slices.Contains(s.Kinds, KindNumber)
}

// ValidationError describes every violation found in one value.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// Validate checks a decoded JSON value (as produced by encoding/json
// into any) against the schema. A nil args map is treated as {}.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		v = map[string]any{}
	}
	var problems []string
	s.validate(v, "", &problems)
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func (s *Schema) validate(v any, path string, problems *[]string) {
	k, ok := kindOf(v)
	if !ok {
		*problems = append(*problems, fmt.Sprintf("%s: unsupported value of type %T", where(path), v))
		return
	}
	if !s.Accepts(k) {
		*problems = append(*problems, fmt.Sprintf("%s: expected %s, got %s", where(path), s.kindList(), k))
		return
	}

	if len(s.Enum) > 0 && !inEnum(v, s.Enum) {
		*problems = append(*problems, fmt.Sprintf("%s: value %v is not one of the allowed values", where(path), v))
	}

	switch k {
	case KindObject:
		obj := v.(map[string]any)
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				*problems = append(*problems, fmt.Sprintf("%s: missing required property %q", where(path), name))
			}
		}
		names := make([]string, 0, len(obj))
		for name := range obj {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ps, known := s.Properties[name]; known {
				ps.validate(obj[name], join(path, name), problems)
				continue
			}
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				*problems = append(*problems, fmt.Sprintf("%s: unexpected property %q", where(path), name))
			}
		}
	case KindArray:
		if s.Items == nil {
			return
		}
		for i, item := range toSlice(v) {
			s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i), problems)
		}
	}
}

func (s *Schema) kindList() string {
	parts := make([]string, len(s.Kinds))
	for i, k := range s.Kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, " or ")
}

// kindOf classifies a decoded JSON value. Go numeric types are accepted
// as well as float64 and json.Number so callers may pass hand-built maps.
func kindOf(v any) (Kind, bool) {
	switch x := v.(type) {
	case nil:
		return KindNull, true
	case map[string]any:
		return KindObject, true
	case []any, []string:
		return KindArray, true
	case string:
		return KindString, true
	case bool:
		return KindBoolean, true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return KindInteger, true
		}
		return KindNumber, true
	case float32:
		return kindOf(float64(x))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInteger, true
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return KindInteger, true
		}
		return KindNumber, true
	}
	return "", false
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(normalize(v), normalize(e)) {
			return true
		}
	}
	return false
}

// normalize maps numeric values to float64 so 1 and 1.0 compare equal.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
	}
	return v
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func where(path string) string {
	if path == "" {
		return "arguments"
	}
	return path
}
