package models

import "encoding/json"

// Message senders / recipients on the manager wire.
const (
	SenderSystem = "system"
	SenderClient = "client"
)

// ClientMessage is a frame received from a participant's websocket.
// The join phase only uses Topic and Params; the play phase carries
// the routing fields at the top level, as the legacy clients do.
type ClientMessage struct {
	Topic  string          `json:"topic"`
	EID    int64           `json:"eId,omitempty"`
	IID    string          `json:"iId,omitempty"`
	UID    uint64          `json:"uId,omitempty"`
	GUID   string          `json:"guid,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// dbg_create only.
	Instance   *Instance `json:"instance,omitempty"`
	ManagerURI string    `json:"managerURI,omitempty"`
}

// ForwardParams is the params envelope of a "forward" client message.
type ForwardParams struct {
	Topic  string          `json:"topic"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ForwardEnvelope wraps a relayed payload pushed to clients as the
// params of a "forward" server message.
type ForwardEnvelope struct {
	Topic  string      `json:"topic"`
	Params interface{} `json:"params,omitempty"`
}

// JoinParams are the required parameters of a join-phase message.
// Pointer fields distinguish "absent" from zero values; uId really is
// zero for anonymous users.
type JoinParams struct {
	EID      *int64  `json:"eId"`
	UID      *uint64 `json:"uId"`
	GUID     *string `json:"guid"`
	Language string  `json:"language,omitempty"`
}

// ServerMessage is a frame pushed to a participant's websocket.
type ServerMessage struct {
	Topic  string      `json:"topic"`
	Params interface{} `json:"params,omitempty"`
}

// OutboundMessage is what the service POSTs to an experiment manager.
// UserID is always the hashed id, never the raw one.
type OutboundMessage struct {
	Sender     string        `json:"sender"`
	Topic      string        `json:"topic"`
	ClientID   string        `json:"clientId,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	InstanceID string        `json:"instanceId,omitempty"`
	Experiment ExperimentRef `json:"experiment,omitempty"`
	Params     interface{}   `json:"params,omitempty"`
}

// ManagerMessage is one element of a manager's response array (or of
// the push channel). Score/Scores stay untyped: a manager may send a
// scalar applied to everyone or a clientId-to-score mapping.
type ManagerMessage struct {
	Sender      string      `json:"sender,omitempty"`
	Topic       string      `json:"topic"`
	Recipient   string      `json:"recipient"`
	InstanceID  string      `json:"instanceId"`
	ClientID    string      `json:"clientId,omitempty"`
	Broadcast   bool        `json:"broadcast,omitempty"`
	IncludeSelf bool        `json:"includeSelf,omitempty"`
	Score       interface{} `json:"score,omitempty"`
	Scores      interface{} `json:"scores,omitempty"`
	Params      interface{} `json:"params,omitempty"`
}
