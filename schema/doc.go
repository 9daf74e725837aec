// Package schema provides the message type registry and payload validation for halcore.
//
// Every message type must be registered before first use together with a
// Validator describing the payload keys it carries and, optionally, the keys
// its responses may carry. Creating or enqueueing a message of an unknown type
// fails with ErrUnregisteredMessageType; a payload that does not match its
// validator fails with a *ViolationError.
//
// Basic usage:
//
//	reg := schema.NewRegistry()
//	reg.MustAddMessage("remote set power", schema.Validator{
//		Data: map[string]schema.Field{
//			"channel": schema.Required(schema.TypeString),
//			"power":   schema.Required(schema.TypeNumber),
//		},
//	})
//
//	if err := reg.Validate("remote set power", data); err != nil {
//		var violation *schema.ViolationError
//		if errors.As(err, &violation) {
//			log.Printf("bad field %s: %s", violation.Field, violation.Reason)
//		}
//	}
//
// A process-wide registry is available through Default and AddMessage.
// Registering the same name twice is an error.
package schema
