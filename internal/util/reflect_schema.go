package util

import (
	"reflect"
	"strings"
)

// CreateSchema derives an object schema from the exported fields of a struct
// value. Field names follow the json tag; fields are required unless tagged
// omitempty or declared as pointers. A description tag becomes the property
// description and an enum tag ("a|b|c") restricts string values. Non-struct
// input yields an empty object schema.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return structSchema(t, map[reflect.Type]bool{})
}

func structSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	props := map[string]any{}
	schema := map[string]any{"type": "object", "properties": props}

	if seen[t] {
		return schema
	}

	seen[t] = true
	defer delete(seen, t)

	var required []string

	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}

		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}

		if name == "" {
			name = f.Name
		}

		prop := typeSchema(f.Type, seen)

		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}

		if e := f.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, "|")
		}

		props[name] = prop

		if f.Type.Kind() != reflect.Pointer && !hasOption(opts, "omitempty") {
			required = append(required, name)
		}
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func typeSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	switch t.Kind() {
	case reflect.Pointer:
		return typeSchema(t.Elem(), seen)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem(), seen)}
	case reflect.Struct:
		return structSchema(t, seen)
	case reflect.Map:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")

		if strings.TrimSpace(o) == want {
			return true
		}
	}

	return false
}
