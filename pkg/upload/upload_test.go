package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type seenRequest struct {
	path      string
	auth      string
	fileName  string
	body      string
	userID    string
	sessionID string
}

func uploadServer(t *testing.T, status int, response string, seen chan<- seenRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		f.Close()

		if seen != nil {
			seen <- seenRequest{
				path:      r.URL.Path,
				auth:      r.Header.Get("Authorization"),
				fileName:  hdr.Filename,
				body:      string(data),
				userID:    r.FormValue("user_id"),
				sessionID: r.FormValue("session_id"),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadFile(t *testing.T) {
	seen := make(chan seenRequest, 1)
	srv := uploadServer(t, http.StatusOK,
		`{"file_id":"f-1","access_url":"https://cdn.example.com/f-1.png","size":5,"mime_type":"image/png"}`, seen)

	c := New(Config{BaseURL: srv.URL, Token: "tok"})
	res, err := c.Upload(context.Background(), Request{
		Kind:      KindFile,
		Name:      "shot.png",
		Body:      strings.NewReader("bytes"),
		UserID:    "k1",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if res.ID != "f-1" || res.URL != "https://cdn.example.com/f-1.png" || res.Size != 5 {
		t.Errorf("result = %+v", res)
	}
	if res.Name != "shot.png" {
		t.Errorf("Name = %q, want request name fallback", res.Name)
	}
	if res.MimeType != "image/png" {
		t.Errorf("MimeType = %q", res.MimeType)
	}

	req := <-seen
	if req.path != "/api/file/upload" {
		t.Errorf("path = %q", req.path)
	}
	if req.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.fileName != "shot.png" || req.body != "bytes" {
		t.Errorf("file = %q %q", req.fileName, req.body)
	}
	if req.userID != "k1" || req.sessionID != "s1" {
		t.Errorf("form fields = %q %q", req.userID, req.sessionID)
	}
}

func TestUploadVoiceEnvelope(t *testing.T) {
	seen := make(chan seenRequest, 1)
	srv := uploadServer(t, http.StatusOK,
		`{"code":0,"message":"ok","data":{"voice_id":"v-9","access_url":"/media/v-9.webm","duration":3.5}}`, seen)

	c := New(Config{BaseURL: srv.URL})
	res, err := c.Upload(context.Background(), Request{Kind: KindVoice, Name: "note.webm", Body: strings.NewReader("v")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.ID != "v-9" || res.URL != "/media/v-9.webm" || res.Duration != 3.5 {
		t.Errorf("result = %+v", res)
	}
	if req := <-seen; req.path != "/api/voice/upload" {
		t.Errorf("path = %q", req.path)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"disk full"}`},
		{"envelope code", http.StatusOK, `{"code":413,"message":"too large","data":null}`},
		{"empty result", http.StatusOK, `{"size":10}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := uploadServer(t, tt.status, tt.response, nil)
			c := New(Config{BaseURL: srv.URL})
			_, err := c.Upload(context.Background(), Request{Kind: KindFile, Name: "a.txt", Body: strings.NewReader("a")})
			if !errors.Is(err, ErrRejected) {
				t.Errorf("err = %v, want ErrRejected", err)
			}
		})
	}
}

func TestUploadInvalidRequest(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.Upload(context.Background(), Request{Kind: "video", Name: "x", Body: strings.NewReader("x")}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := c.Upload(context.Background(), Request{Kind: KindFile, Name: "x"}); err == nil {
		t.Error("expected error for missing body")
	}
}
