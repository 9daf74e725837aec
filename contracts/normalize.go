package contracts

// Normalize converts the generic values produced by JSON or HCL decoding
// into the types the core validators expect for well-known payload keys.
// Other keys are copied unchanged.
func Normalize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
		switch k {
		case KeyParameters:
			if p, ok := AsParameters(v); ok {
				out[k] = p
			}
		case KeyModuleNames:
			if names, ok := AsStrings(v); ok {
				out[k] = names
			}
		case KeyOldParameters, KeyNewParameters:
			if s, ok := AsSection(v); ok {
				out[k] = s
			}
		}
	}
	return out
}
