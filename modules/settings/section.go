package settings

import (
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
)

// ValidateFunc checks a candidate section before a module adopts it.
type ValidateFunc func(candidate contracts.Section) error

// HandleNewParameters applies the section addressed to module from a
// "new parameters" message on top of current, key by key. On success it
// responds with the old and new sections and returns the new one. If the
// message holds no section for module, current is returned unchanged and
// nothing is attached. If validate fails the error is attached and current
// is returned.
//
// A reverting message replaces current with the section it carries, which
// may be empty, and is not validated.
// The caller still owns its reference on msg.
func HandleNewParameters(msg *messaging.Message, module string, current contracts.Section, validate ValidateFunc) (contracts.Section, bool) {
	raw, _ := msg.Get(contracts.KeyParameters)
	params, _ := contracts.AsParameters(raw)
	update, ok := params.Section(module)
	if !ok {
		return current, false
	}

	reverting := IsReverting(msg)
	var candidate contracts.Section
	if reverting {
		candidate = update.Clone()
		if candidate == nil {
			candidate = contracts.Section{}
		}
	} else {
		candidate = current.Clone()
		if candidate == nil {
			candidate = make(contracts.Section, len(update))
		}
		for k, v := range update {
			candidate[k] = v
		}
	}

	if validate != nil && !reverting {
		if err := validate(candidate); err != nil {
			_ = msg.AddError(module, err.Error())
			return current, false
		}
	}

	old := current.Clone()
	if old == nil {
		old = contracts.Section{}
	}
	_ = msg.AddResponse(module, map[string]any{contracts.KeyOldParameters: old})
	_ = msg.AddResponse(module, map[string]any{contracts.KeyNewParameters: candidate.Clone()})
	return candidate, true
}

// IsReverting reports whether a "new parameters" message restores a previous state.
func IsReverting(msg *messaging.Message) bool {
	v, _ := msg.Get(contracts.KeyIsReverting)
	reverting, _ := v.(bool)
	return reverting
}

// collectSections rebuilds Parameters from the responses of a round that
// carry key, one section per responding module. A module that had no
// section answers with an empty one, which is kept.
func collectSections(responses []contracts.Response, key string) contracts.Parameters {
	out := make(contracts.Parameters)
	for _, resp := range responses {
		raw, ok := resp.Get(key)
		if !ok {
			continue
		}
		if section, ok := contracts.AsSection(raw); ok {
			out[resp.Source] = section.Clone()
			if out[resp.Source] == nil {
				out[resp.Source] = contracts.Section{}
			}
		}
	}
	return out
}
