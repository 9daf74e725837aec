package remote

import (
	"github.com/bytedance/sonic"
	"github.com/glimte/halcore/contracts"
)

var codec = sonic.ConfigStd

func decodeCommand(body []byte) (contracts.Envelope, error) {
	var env contracts.Envelope
	err := codec.Unmarshal(body, &env)
	return env, err
}

func encodeReply(reply contracts.ReplyEnvelope) ([]byte, error) {
	return codec.Marshal(reply)
}
