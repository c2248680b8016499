package ws

import "encoding/json"

// Message types that are not pipeline events.
const (
	MsgConnected    = "connected"
	MsgStartProcess = "startProcess"
)

// Message is the envelope for every frame in both directions. Outbound
// pipeline events use the event name as Type.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

type StartProcessPayload struct {
	CSVData string `json:"csvData"`
}
