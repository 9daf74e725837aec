package config

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// ToGo converts an HCL value to plain Go values: string, float64, bool,
// map[string]any and []any. Null becomes nil.
func ToGo(v cty.Value) (any, error) {
	if v.Type() == cty.NilType || v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("config: value of type %s is not known", v.Type().FriendlyName())
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case t == cty.Bool:
		return v.True(), nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			converted, err := ToGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key.AsString(), err)
			}
			out[key.AsString()] = converted
		}
		return out, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			converted, err := ToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: unsupported value type %s", t.FriendlyName())
	}
}
