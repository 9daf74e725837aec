package schema

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// Field types understood by Field.Type. Anything else must come with its own check,
// see RequiredOf and OptionalOf.
const (
	TypeAny     = "any"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Field describes one key of a message payload or response.
type Field struct {
	Type     string
	Required bool

	check func(v any) bool
}

// Required declares a mandatory field of the given type.
func Required(typ string) Field {
	return Field{Type: typ, Required: true}
}

// Optional declares a field that may be absent.
func Optional(typ string) Field {
	return Field{Type: typ}
}

// RequiredOf declares a mandatory field whose value must be of Go type T.
func RequiredOf[T any]() Field {
	return fieldOf[T](true)
}

// OptionalOf declares an optional field whose value must be of Go type T.
func OptionalOf[T any]() Field {
	return fieldOf[T](false)
}

func fieldOf[T any](required bool) Field {
	return Field{
		Type:     reflect.TypeFor[T]().String(),
		Required: required,
		check: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
	}
}

// Accepts reports whether v is an acceptable value for the field.
func (f Field) Accepts(v any) bool {
	if f.check != nil {
		return f.check(v)
	}
	return matchesType(v, f.Type)
}

// Validator is the registered contract of a message type: the payload keys it
// carries and, optionally, the keys its responses may carry.
//
// A nil Data map means the message carries no payload. A nil Resp map leaves
// responses unchecked.
type Validator struct {
	Data map[string]Field
	Resp map[string]Field
}

// ValidateData checks a payload against the validator's Data fields.
// Every problem found is reported, joined into a single error.
func (v Validator) ValidateData(messageType string, data map[string]any) error {
	return validateFields(messageType, "data", v.Data, data)
}

// ValidateResponse checks response data against the validator's Resp fields.
// Required response fields are not enforced per response since a module may
// spread its answer over several responses.
func (v Validator) ValidateResponse(messageType string, data map[string]any) error {
	if v.Resp == nil {
		return nil
	}
	relaxed := make(map[string]Field, len(v.Resp))
	for name, f := range v.Resp {
		f.Required = false
		relaxed[name] = f
	}
	return validateFields(messageType, "resp", relaxed, data)
}

func validateFields(messageType, section string, fields map[string]Field, data map[string]any) error {
	var errs []error

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := fields[name]
		value, ok := data[name]
		if !ok {
			if f.Required {
				errs = append(errs, &ViolationError{
					MessageType: messageType,
					Section:     section,
					Field:       name,
					Reason:      "required field is missing",
				})
			}
			continue
		}
		if !f.Accepts(value) {
			errs = append(errs, &ViolationError{
				MessageType: messageType,
				Section:     section,
				Field:       name,
				Reason:      fmt.Sprintf("expected type %s, got %T", f.Type, value),
			})
		}
	}

	unknown := make([]string, 0)
	for name := range data {
		if _, ok := fields[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, &ViolationError{
			MessageType: messageType,
			Section:     section,
			Field:       name,
			Reason:      "unexpected field",
		})
	}

	return errors.Join(errs...)
}

// matchesType checks if value matches the expected type name.
func matchesType(value any, expectedType string) bool {
	switch expectedType {
	case TypeAny, "":
		return true
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case TypeInteger:
		switch n := value.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		if value == nil {
			return false
		}
		k := reflect.TypeOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeObject:
		if value == nil {
			return false
		}
		return reflect.TypeOf(value).Kind() == reflect.Map
	default:
		return false
	}
}
