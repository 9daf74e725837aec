package contracts

// Envelope is the wire form of a command arriving from a remote controller.
type Envelope struct {
	CorrelationID string         `json:"correlationId,omitempty"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	Sync          bool           `json:"sync,omitempty"`
}

// ReplyEnvelope is sent back to a remote controller once the command's
// message has completed on the bus.
type ReplyEnvelope struct {
	CorrelationID string     `json:"correlationId,omitempty"`
	Type          string     `json:"type"`
	Success       bool       `json:"success"`
	Responses     []Response `json:"responses,omitempty"`
	Errors        []Failure  `json:"errors,omitempty"`
}
