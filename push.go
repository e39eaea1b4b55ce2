package main

import "encoding/json"

// PushType classifies an opaque push payload.
type PushType int

const (
	PushUnknown PushType = iota
	PushIncomingCall
)

const pushTypeIncomingCall = "incoming_call"

// pushEnvelope is the minimal shape shared by all push payloads.
type pushEnvelope struct {
	Type string `json:"type"`
}

// classifyPush inspects a raw push payload. Anything that is not a
// well-formed incoming-call invite is PushUnknown.
func classifyPush(payload []byte) PushType {
	var env pushEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PushUnknown
	}
	if env.Type == pushTypeIncomingCall {
		return PushIncomingCall
	}
	return PushUnknown
}
