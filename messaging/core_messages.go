package messaging

import (
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/schema"
)

// CoreMessages returns the validators of the message types every
// installation relies on: the startup handshake, shutdown, and the
// parameters protocol.
func CoreMessages() map[string]schema.Validator {
	parameters := map[string]schema.Field{
		contracts.KeyParameters: schema.RequiredOf[contracts.Parameters](),
	}

	return map[string]schema.Validator{
		contracts.Configure1: {Data: map[string]schema.Field{
			contracts.KeyModuleNames: schema.RequiredOf[[]string](),
		}},
		contracts.Configure2: {},
		contracts.Start: {Data: map[string]schema.Field{
			contracts.KeyShowGUI: schema.Required(schema.TypeBoolean),
		}},
		contracts.Shutdown:          {},
		contracts.InitialParameters: {Data: parameters},
		contracts.WaitFor: {Data: map[string]schema.Field{
			contracts.KeyModuleNames: schema.RequiredOf[[]string](),
		}},
		contracts.NewParametersRequest: {Data: parameters},
		contracts.NewParameters: {
			Data: map[string]schema.Field{
				contracts.KeyParameters:  schema.RequiredOf[contracts.Parameters](),
				contracts.KeyIsReverting: schema.Required(schema.TypeBoolean),
			},
			Resp: map[string]schema.Field{
				contracts.KeyOldParameters: schema.OptionalOf[contracts.Section](),
				contracts.KeyNewParameters: schema.OptionalOf[contracts.Section](),
			},
		},
		contracts.UpdatedParameters: {Data: parameters},
		contracts.ModuleReady:       {},
		contracts.ParametersApplied: {Data: parameters},
		contracts.ShowError: {Data: map[string]schema.Field{
			contracts.KeyModule: schema.Required(schema.TypeString),
			contracts.KeyText:   schema.Required(schema.TypeString),
		}},
	}
}

// RegisterCoreMessages adds the core message types to reg.
func RegisterCoreMessages(reg *schema.Registry) error {
	for name, v := range CoreMessages() {
		if err := reg.AddMessage(name, v); err != nil {
			return err
		}
	}
	return nil
}
