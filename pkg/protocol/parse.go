package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrMissingType  = errors.New("missing message type")
	ErrUnknownType  = errors.New("unknown message type")
)

// ProtocolError reports an inbound payload that could not be turned into a
// WireMessage. The payload is kept for diagnostics.
type ProtocolError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type inboundJSON struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Content     json.RawMessage `json:"content"`
	Data        json.RawMessage `json:"data"`
	ContentType string          `json:"content_type"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

var (
	typesByFold        = map[string]MessageType{}
	contentTypesByFold = map[string]ContentType{
		"text":  ContentText,
		"image": ContentImage,
		"file":  ContentFile,
		"voice": ContentVoice,
	}
)

func init() {
	for _, t := range KnownTypes() {
		typesByFold[strings.ToLower(string(t))] = t
	}
}

// Parse decodes an inbound payload and normalizes it into the canonical
// WireMessage shape. now is the receipt time and newID supplies an id when
// the server omitted one.
func Parse(data []byte, now time.Time, newID func() string) (WireMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WireMessage{}, &ProtocolError{Payload: data, Err: ErrEmptyPayload}
	}

	var in inboundJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return WireMessage{}, &ProtocolError{Payload: data, Err: fmt.Errorf("decoding envelope: %w", err)}
	}

	rawType := strings.TrimSpace(in.Type)
	if rawType == "" {
		return WireMessage{}, &ProtocolError{Payload: data, Err: ErrMissingType}
	}
	typ, ok := typesByFold[strings.ToLower(rawType)]
	if !ok {
		return WireMessage{}, &ProtocolError{Payload: data, Err: fmt.Errorf("%w %q", ErrUnknownType, rawType)}
	}

	content, err := decodeContent(in.Content, in.Data)
	if err != nil {
		return WireMessage{}, &ProtocolError{Payload: data, Err: err}
	}

	msg := WireMessage{
		Type:        typ,
		ID:          in.ID,
		From:        in.From,
		To:          in.To,
		Content:     content,
		ContentType: ContentText,
		Timestamp:   parseTimestamp(in.Timestamp, now),
	}
	if ct, ok := contentTypesByFold[strings.ToLower(strings.TrimSpace(in.ContentType))]; ok {
		msg.ContentType = ct
	}
	if msg.ID == "" && newID != nil {
		msg.ID = newID()
	}
	return msg, nil
}

func decodeContent(content, data json.RawMessage) (any, error) {
	raw := content
	if isAbsent(raw) {
		raw = data
	}
	if isAbsent(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	return v, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	if isAbsent(raw) {
		return now.UTC()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		return now.UTC()
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return now.UTC()
}
