package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeChat        MessageType = "Chat"
	TypeTyping      MessageType = "Typing"
	TypeHeartbeat   MessageType = "Heartbeat"
	TypeOnlineUsers MessageType = "OnlineUsers"
	TypeUserJoined  MessageType = "UserJoined"
	TypeUserLeft    MessageType = "UserLeft"
	TypeStatus      MessageType = "Status"
	TypeError       MessageType = "Error"
	TypeWelcome     MessageType = "Welcome"
	TypeHistory     MessageType = "History"
)

var knownTypes = map[MessageType]bool{
	TypeChat:        true,
	TypeTyping:      true,
	TypeHeartbeat:   true,
	TypeOnlineUsers: true,
	TypeUserJoined:  true,
	TypeUserLeft:    true,
	TypeStatus:      true,
	TypeError:       true,
	TypeWelcome:     true,
	TypeHistory:     true,
}

// Known reports whether t is one of the message types the client understands.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

// KnownTypes lists every recognized message type.
func KnownTypes() []MessageType {
	return []MessageType{
		TypeChat, TypeTyping, TypeHeartbeat, TypeOnlineUsers, TypeUserJoined,
		TypeUserLeft, TypeStatus, TypeError, TypeWelcome, TypeHistory,
	}
}

type ContentType string

const (
	ContentText  ContentType = "Text"
	ContentImage ContentType = "Image"
	ContentFile  ContentType = "File"
	ContentVoice ContentType = "Voice"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile, ContentVoice:
		return true
	}
	return false
}

// WireMessage is the envelope exchanged over the channel. It is treated as
// immutable once built.
type WireMessage struct {
	Type        MessageType `json:"type"`
	ID          string      `json:"id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Content     any         `json:"content"`
	ContentType ContentType `json:"content_type"`
	Timestamp   time.Time   `json:"timestamp"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type wireJSON struct {
	Type        MessageType `json:"type"`
	ID          string      `json:"id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Content     any         `json:"content"`
	ContentType ContentType `json:"content_type"`
	Timestamp   string      `json:"timestamp"`
}

func (m WireMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireJSON{
		Type:        m.Type,
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Content:     m.Content,
		ContentType: m.ContentType,
		Timestamp:   m.Timestamp.UTC().Format(timestampLayout),
	})
}

// Encode serializes m for the transport.
func Encode(m WireMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

// Outgoing is a message submitted by the application before the client has
// assigned an id and timestamp.
type Outgoing struct {
	Type        MessageType
	To          string
	Content     any
	ContentType ContentType
}

// Build turns o into a WireMessage. Empty Type and ContentType default to
// Chat and Text.
func (o Outgoing) Build(id, from string, now time.Time) WireMessage {
	typ := o.Type
	if typ == "" {
		typ = TypeChat
	}
	ct := o.ContentType
	if ct == "" {
		ct = ContentText
	}
	return WireMessage{
		Type:        typ,
		ID:          id,
		From:        from,
		To:          o.To,
		Content:     o.Content,
		ContentType: ct,
		Timestamp:   now.UTC(),
	}
}

type TypingContent struct {
	IsTyping bool `json:"is_typing"`
}
