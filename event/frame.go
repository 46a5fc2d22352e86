package event

import "encoding/json"

// Op names a websocket frame.
type Op string

// Client to server.
const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPing        Op = "ping"
)

// Server to client.
const (
	OpSubscribed   Op = "subscribed"
	OpUnsubscribed Op = "unsubscribed"
	OpEvent        Op = "event"
	OpError        Op = "error"
	OpPong         Op = "pong"
)

// ClientFrame is sent by a client over the realtime websocket.
type ClientFrame struct {
	Op      Op     `json:"op"`
	Channel string `json:"channel,omitempty"`
}

// ServerFrame is sent by the gateway. Event holds an encoded event exactly as
// it travelled on the bus.
type ServerFrame struct {
	Op      Op              `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   string          `json:"error,omitempty"`
}
