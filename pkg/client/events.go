package client

import (
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/reconnect"
	"github.com/igorsilveira/kefu/pkg/transport"
)

type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindReconnecting Kind = "reconnecting"
	KindError        Kind = "error"
	KindWarning      Kind = "warning"
	KindStatusChange Kind = "statusChange"
	KindMessage      Kind = "message"
)

// MessageKind is the event kind under which inbound messages of type t are
// published, in addition to KindMessage.
func MessageKind(t protocol.MessageType) Kind {
	return Kind(t)
}

type Event interface {
	Kind() Kind
}

type StatusChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

type ConnectedEvent struct {
	Endpoint    string
	Reconnected bool
}

// DisconnectedEvent is published when a connection ends. Requested is true
// for Disconnect calls; Dropped counts queued messages discarded by it.
type DisconnectedEvent struct {
	Code      transport.StatusCode
	Reason    string
	WasClean  bool
	Requested bool
	Dropped   int
}

type ReconnectingEvent struct {
	Attempt reconnect.Attempt
}

type ErrorEvent struct {
	Err error
}

type Warning struct {
	Message string
	Evicted *protocol.WireMessage
}

type MessageEvent struct {
	kind    Kind
	Message protocol.WireMessage
}

func (StatusChange) Kind() Kind      { return KindStatusChange }
func (ConnectedEvent) Kind() Kind    { return KindConnected }
func (DisconnectedEvent) Kind() Kind { return KindDisconnected }
func (ReconnectingEvent) Kind() Kind { return KindReconnecting }
func (ErrorEvent) Kind() Kind        { return KindError }
func (Warning) Kind() Kind           { return KindWarning }
func (e MessageEvent) Kind() Kind {
	if e.kind == "" {
		return KindMessage
	}
	return e.kind
}
