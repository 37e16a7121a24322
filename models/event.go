package models

// Event is a lifecycle notification published on the event bus for
// downstream statistics (see pubsub for the channel names).
type Event struct {
	EID   int64    `json:"eId"`
	IID   string   `json:"iId,omitempty"`
	UID   uint64   `json:"uId,omitempty"`
	UIDs  []uint64 `json:"uIds,omitempty"`
	GUID  string   `json:"guid,omitempty"`
	Site  string   `json:"site,omitempty"`
	Score string   `json:"score,omitempty"`
}

// ServiceStats is the periodic counters snapshot published on the
// stats channel.
type ServiceStats struct {
	Service          string `json:"service"`
	Uptime           int64  `json:"uptime"`
	ConnectedClients int64  `json:"connectedClients"`
	ReceivedMessages int64  `json:"receivedMessages"`
	InstancesInPool  int64  `json:"instancesInPool"`
	CreatedInstances int64  `json:"createdInstances"`
}
