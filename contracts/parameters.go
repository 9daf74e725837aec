package contracts

import "maps"

// Section holds the settings of a single module.
type Section map[string]any

// Clone returns a shallow copy of the section.
func (s Section) Clone() Section {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Float returns the value stored under key as a float64.
// Integer values are widened so sections decoded from different sources compare alike.
func (s Section) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Parameters maps module names to their settings section.
// Parsing parameter files is not the bus's concern; modules and the controller
// only exchange values of this type.
type Parameters map[string]Section

// Section returns the settings for the named module.
func (p Parameters) Section(module string) (Section, bool) {
	s, ok := p[module]
	return s, ok
}

// Clone returns a copy of the parameters with every section cloned.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for name, section := range p {
		out[name] = section.Clone()
	}
	return out
}

// Overlay returns a copy of p with each section in other laid over the
// matching section of p key by key. Keys other does not mention are kept.
func (p Parameters) Overlay(other Parameters) Parameters {
	out := p.Clone()
	if out == nil {
		out = make(Parameters, len(other))
	}
	for name, section := range other {
		merged := out[name]
		if merged == nil {
			merged = make(Section, len(section))
		}
		for k, v := range section {
			merged[k] = v
		}
		out[name] = merged
	}
	return out
}

// AsParameters converts v to Parameters. It accepts Parameters itself and the
// generic map shapes produced by JSON decoding.
func AsParameters(v any) (Parameters, bool) {
	switch p := v.(type) {
	case Parameters:
		return p, true
	case map[string]Section:
		return Parameters(p), true
	case map[string]any:
		out := make(Parameters, len(p))
		for name, raw := range p {
			switch s := raw.(type) {
			case Section:
				out[name] = s
			case map[string]any:
				out[name] = Section(s)
			default:
				return nil, false
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// AsSection converts v to a Section, accepting a plain map as well.
func AsSection(v any) (Section, bool) {
	switch s := v.(type) {
	case Section:
		return s, true
	case map[string]any:
		return Section(s), true
	default:
		return nil, false
	}
}

// AsStrings converts v to a string slice, accepting []any of strings as produced by JSON decoding.
func AsStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
