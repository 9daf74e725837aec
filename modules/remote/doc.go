// Package remote bridges an AMQP queue into the bus.
//
// Each delivery carries a JSON command:
//
//	{"correlationId": "...", "type": "move stage", "data": {"x": 1, "y": 2}, "sync": false}
//
// The command becomes a bus message sent by the bridge. Once every module
// has handled it, the responses and errors are published as a
// contracts.ReplyEnvelope to the delivery's ReplyTo queue under the same
// correlation ID, and the delivery is acknowledged. Commands that cannot
// become a message (bad JSON, unknown type, invalid payload) are rejected
// without requeue and answered with an error reply.
package remote
