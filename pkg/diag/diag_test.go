package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/telemetry"
)

type fakeSource struct {
	state   client.ConnectionState
	metrics client.Metrics
	pending int
}

func (f *fakeSource) State() client.ConnectionState { return f.state }
func (f *fakeSource) Metrics() client.Metrics       { return f.metrics }
func (f *fakeSource) Pending() int                  { return f.pending }
func (f *fakeSource) Identity() protocol.Identity {
	return protocol.Identity{UserID: "k1", UserType: protocol.UserAgent, SessionID: "s1"}
}

func testServer(src Source, token string) *httptest.Server {
	s := New(Config{Addr: "127.0.0.1:0", Source: src, Logger: telemetry.Discard(), AuthToken: token, Version: "test"})
	return httptest.NewServer(s.Handler())
}

func TestHealthz(t *testing.T) {
	srv := testServer(&fakeSource{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzFollowsConnectionState(t *testing.T) {
	tests := []struct {
		state client.ConnectionState
		want  int
	}{
		{client.Connected, http.StatusOK},
		{client.Connecting, http.StatusServiceUnavailable},
		{client.Reconnecting, http.StatusServiceUnavailable},
		{client.Failed, http.StatusServiceUnavailable},
		{client.Disconnected, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv := testServer(&fakeSource{state: tt.state}, "")
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/readyz")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	hb := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		state:   client.Reconnecting,
		pending: 4,
		metrics: client.Metrics{MessagesSent: 7, MessagesReceived: 9, ReconnectCount: 2, LastHeartbeatAt: hb},
	}
	srv := testServer(src, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if st.State != "reconnecting" || st.Ready {
		t.Errorf("state = %q ready = %v", st.State, st.Ready)
	}
	if st.Pending != 4 || st.MessagesSent != 7 || st.MessagesReceived != 9 || st.ReconnectCount != 2 {
		t.Errorf("status = %+v", st)
	}
	if !st.LastHeartbeatAt.Equal(hb) {
		t.Errorf("LastHeartbeatAt = %v, want %v", st.LastHeartbeatAt, hb)
	}
	if st.UserID != "k1" || st.SessionID != "s1" || st.Version != "test" {
		t.Errorf("identity fields = %+v", st)
	}
}

func TestStatusRequiresToken(t *testing.T) {
	srv := testServer(&fakeSource{}, "secret")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz must stay open: status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Metrics.ProtocolErrors.Inc()

	srv := testServer(&fakeSource{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "kefu_protocol_errors_total") {
		t.Error("metrics output missing kefu_protocol_errors_total")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Source: &fakeSource{}, Logger: telemetry.Discard()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
