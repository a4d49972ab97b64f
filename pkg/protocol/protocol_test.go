package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOutgoingBuildDefaults(t *testing.T) {
	msg := Outgoing{To: "kehu-1", Content: "hello"}.Build("id-1", "kefu-1", fixedNow)

	if msg.Type != TypeChat {
		t.Errorf("Type = %q, want %q", msg.Type, TypeChat)
	}
	if msg.ContentType != ContentText {
		t.Errorf("ContentType = %q, want %q", msg.ContentType, ContentText)
	}
	if msg.From != "kefu-1" || msg.To != "kehu-1" || msg.ID != "id-1" {
		t.Errorf("unexpected addressing: %+v", msg)
	}
	if !msg.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, fixedNow)
	}
}

func TestEncodeWireShape(t *testing.T) {
	msg := Outgoing{To: "b", Content: "hi"}.Build("m-1", "a", fixedNow)
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"type", "id", "from", "to", "content", "content_type", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("encoded message missing %q: %s", key, data)
		}
	}
	if fields["timestamp"] != "2026-03-01T12:00:00.000Z" {
		t.Errorf("timestamp = %v", fields["timestamp"])
	}
}

func TestEncodeUnsupportedContent(t *testing.T) {
	msg := Outgoing{Content: make(chan int)}.Build("m-1", "a", fixedNow)
	if _, err := Encode(msg); err == nil {
		t.Fatal("expected error for unencodable content")
	}
}

func TestParse(t *testing.T) {
	idFn := func() string { return "generated" }

	tests := []struct {
		name     string
		payload  string
		wantType MessageType
		wantID   string
		wantCT   ContentType
		wantTS   time.Time
		wantBody any
	}{
		{
			name:     "full envelope",
			payload:  `{"type":"Chat","id":"m1","from":"a","to":"b","content":"hi","content_type":"Image","timestamp":"2026-02-01T10:00:00Z"}`,
			wantType: TypeChat,
			wantID:   "m1",
			wantCT:   ContentImage,
			wantTS:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			wantBody: "hi",
		},
		{
			name:     "lowercase type and content type",
			payload:  `{"type":"chat","id":"m2","content":"x","content_type":"voice"}`,
			wantType: TypeChat,
			wantID:   "m2",
			wantCT:   ContentVoice,
			wantTS:   fixedNow,
			wantBody: "x",
		},
		{
			name:     "missing id and content type",
			payload:  `{"type":"Welcome","content":"welcome"}`,
			wantType: TypeWelcome,
			wantID:   "generated",
			wantCT:   ContentText,
			wantTS:   fixedNow,
			wantBody: "welcome",
		},
		{
			name:     "data stands in for content",
			payload:  `{"type":"Heartbeat","id":"h","data":"pong"}`,
			wantType: TypeHeartbeat,
			wantID:   "h",
			wantCT:   ContentText,
			wantTS:   fixedNow,
			wantBody: "pong",
		},
		{
			name:     "millisecond timestamp",
			payload:  `{"type":"Status","id":"s","timestamp":1767225600000}`,
			wantType: TypeStatus,
			wantID:   "s",
			wantCT:   ContentText,
			wantTS:   time.UnixMilli(1767225600000).UTC(),
		},
		{
			name:     "bad timestamp falls back to receipt time",
			payload:  `{"type":"Typing","id":"t","timestamp":"yesterday"}`,
			wantType: TypeTyping,
			wantID:   "t",
			wantCT:   ContentText,
			wantTS:   fixedNow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.payload), fixedNow, idFn)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", msg.ID, tt.wantID)
			}
			if msg.ContentType != tt.wantCT {
				t.Errorf("ContentType = %q, want %q", msg.ContentType, tt.wantCT)
			}
			if !msg.Timestamp.Equal(tt.wantTS) {
				t.Errorf("Timestamp = %v, want %v", msg.Timestamp, tt.wantTS)
			}
			if msg.Content != tt.wantBody {
				t.Errorf("Content = %v, want %v", msg.Content, tt.wantBody)
			}
		})
	}
}

func TestParseStructuredContent(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"OnlineUsers","id":"o","content":[{"id":"u1"},{"id":"u2"}]}`), fixedNow, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	users, ok := msg.Content.([]any)
	if !ok || len(users) != 2 {
		t.Fatalf("Content = %#v, want two users", msg.Content)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"empty", "  ", ErrEmptyPayload},
		{"missing type", `{"id":"x"}`, ErrMissingType},
		{"unknown type", `{"type":"Teleport"}`, ErrUnknownType},
		{"not json", `hello`, nil},
		{"bad content", `{"type":"Chat","content":tru}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload), fixedNow, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("error %T is not a *ProtocolError", err)
			}
			if string(perr.Payload) != tt.payload {
				t.Errorf("Payload = %q, want %q", perr.Payload, tt.payload)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIdentityValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"agent", Identity{UserID: "1", UserType: UserAgent}, false},
		{"customer", Identity{UserID: "2", UserType: UserCustomer}, false},
		{"missing id", Identity{UserType: UserAgent}, true},
		{"bad role", Identity{UserID: "3", UserType: "admin"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("error %v does not wrap ErrInvalidIdentity", err)
			}
		})
	}
}

func TestIdentityParams(t *testing.T) {
	agent := Identity{UserID: "k1", UserType: UserAgent, UserName: "Ann", SessionID: "s1", SessionToken: "secret"}
	v := agent.Params(fixedNow)

	if v.Get("user_id") != "k1" || v.Get("user_type") != "kefu" || v.Get("user_name") != "Ann" || v.Get("session_id") != "s1" {
		t.Errorf("unexpected params: %v", v)
	}
	if v.Get("session_token") != "secret" {
		t.Errorf("session_token = %q, want secret", v.Get("session_token"))
	}
	if v.Get("timestamp") != "1772366400000" {
		t.Errorf("timestamp = %q", v.Get("timestamp"))
	}

	customer := Identity{UserID: "c1", UserType: UserCustomer, SessionToken: "leaked"}
	if enc := customer.Params(fixedNow).Encode(); strings.Contains(enc, "session_token") {
		t.Errorf("customer params must not carry a session token: %s", enc)
	}
}
