package journal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/reconnect"
	"github.com/igorsilveira/kefu/pkg/store"
	"github.com/igorsilveira/kefu/pkg/telemetry"
	"github.com/igorsilveira/kefu/pkg/transport"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	j, err := New(s.DB(), telemetry.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestRecordAndQuery(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, Entry{Kind: "Chat", SessionID: "s1", UserID: "k1", MessageID: "m1", Detail: "hello"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := j.Query(ctx, Filter{Kind: "Chat"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].ID == "" || entries[0].Timestamp.IsZero() {
		t.Errorf("entry not stamped: %+v", entries[0])
	}
	if entries[0].Detail != "hello" || entries[0].MessageID != "m1" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestQueryFilters(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{Kind: "Chat", SessionID: "s1", UserID: "k1", Detail: "one"},
		{Kind: "error", SessionID: "s1", UserID: "k1", Detail: "two"},
		{Kind: "Chat", SessionID: "s2", UserID: "k2", Detail: "three"},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"kind", Filter{Kind: "Chat"}, 2},
		{"session", Filter{SessionID: "s1"}, 2},
		{"user", Filter{UserID: "k2"}, 1},
		{"combined", Filter{Kind: "Chat", SessionID: "s1"}, 1},
		{"limit", Filter{Limit: 1}, 1},
		{"all", Filter{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := j.Query(ctx, tt.f)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("len = %d, want %d", len(entries), tt.want)
			}
		})
	}
}

func TestQueryOrderingAndPrune(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, d := range []string{"first", "second", "third"} {
		if err := j.Record(ctx, Entry{Kind: "Chat", Timestamp: base.Add(time.Duration(i) * time.Minute), Detail: d}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, _ := j.Query(ctx, Filter{})
	if len(entries) != 3 || entries[0].Detail != "third" || entries[2].Detail != "first" {
		t.Fatalf("entries not newest first: %+v", entries)
	}

	entries, _ = j.Query(ctx, Filter{Since: base.Add(30 * time.Second)})
	if len(entries) != 2 {
		t.Errorf("since: len = %d, want 2", len(entries))
	}

	n, err := j.Prune(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	entries, _ = j.Query(ctx, Filter{})
	if len(entries) != 1 || entries[0].Detail != "third" {
		t.Errorf("after prune: %+v", entries)
	}
}

type fakeSource struct {
	mu       sync.Mutex
	handlers map[client.Kind][]func(client.Event)
	offs     int
}

func (f *fakeSource) On(kind client.Kind, fn func(client.Event)) client.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[client.Kind][]func(client.Event){}
	}
	f.handlers[kind] = append(f.handlers[kind], fn)
	return client.Subscription{}
}

func (f *fakeSource) Off(client.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offs++
}

func (f *fakeSource) Identity() protocol.Identity {
	return protocol.Identity{UserID: "k1", UserType: protocol.UserAgent, SessionID: "sess-9"}
}

func (f *fakeSource) emit(ev client.Event) {
	f.mu.Lock()
	hs := f.handlers[ev.Kind()]
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func TestAttachRecordsEvents(t *testing.T) {
	j := testJournal(t)
	src := &fakeSource{}
	detach := j.Attach(src)

	src.emit(client.StatusChange{From: client.Connected, To: client.Failed, Err: client.ErrRetriesExhausted})
	src.emit(client.ReconnectingEvent{Attempt: reconnect.Attempt{Number: 2, Delay: 2 * time.Second}})
	src.emit(client.DisconnectedEvent{Code: transport.StatusAbnormalClosure, Reason: "eof"})
	src.emit(client.ErrorEvent{Err: errors.New("bad payload")})
	src.emit(client.MessageEvent{Message: protocol.WireMessage{
		Type:      protocol.TypeChat,
		ID:        "m-1",
		From:      "c1",
		Content:   "hi there",
		Timestamp: time.Now(),
	}})

	entries, err := j.Query(context.Background(), Filter{SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("len = %d, want 5", len(entries))
	}

	byKind := map[string]Entry{}
	for _, e := range entries {
		byKind[e.Kind] = e
		if e.UserID != "k1" {
			t.Errorf("entry %s UserID = %q", e.Kind, e.UserID)
		}
	}

	if sc := byKind[string(client.KindStatusChange)]; !strings.Contains(sc.Detail, `"to":"failed"`) || !strings.Contains(sc.Detail, "exhausted") {
		t.Errorf("status change detail = %q", sc.Detail)
	}
	if rc := byKind[string(client.KindReconnecting)]; !strings.Contains(rc.Detail, `"attempt":2`) {
		t.Errorf("reconnecting detail = %q", rc.Detail)
	}
	if d := byKind[string(client.KindDisconnected)]; !strings.Contains(d.Detail, `"code":1006`) {
		t.Errorf("disconnected detail = %q", d.Detail)
	}
	if e := byKind[string(client.KindError)]; e.Detail != "bad payload" {
		t.Errorf("error detail = %q", e.Detail)
	}
	chat := byKind["Chat"]
	if chat.MessageID != "m-1" || chat.Peer != "c1" || chat.Detail != "hi there" {
		t.Errorf("chat entry = %+v", chat)
	}

	detach()
	if src.offs != len(attachedKinds) {
		t.Errorf("detach removed %d subscriptions, want %d", src.offs, len(attachedKinds))
	}
}

func TestRetainPrunesOldEntries(t *testing.T) {
	j := testJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := time.Now().Add(-48 * time.Hour)
	for _, e := range []Entry{
		{Kind: "Chat", Timestamp: old, Detail: "stale"},
		{Kind: "Chat", Detail: "fresh"},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		j.Retain(ctx, 24*time.Hour, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := j.Query(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Detail != "fresh" {
				t.Errorf("kept %q, want fresh", entries[0].Detail)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale entry not pruned: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Retain did not stop on cancel")
	}
}

func TestRetainDisabled(t *testing.T) {
	j := testJournal(t)
	if err := j.Record(context.Background(), Entry{Kind: "Chat", Timestamp: time.Now().Add(-1000 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	j.Retain(context.Background(), 0, time.Millisecond)

	entries, _ := j.Query(context.Background(), Filter{})
	if len(entries) != 1 {
		t.Errorf("len = %d, want 1 with retention disabled", len(entries))
	}
}
