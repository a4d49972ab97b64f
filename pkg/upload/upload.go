package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/igorsilveira/kefu/pkg/telemetry"
)

type Kind string

const (
	KindFile  Kind = "file"
	KindVoice Kind = "voice"
)

func (k Kind) path() (string, error) {
	switch k {
	case KindFile:
		return "/api/file/upload", nil
	case KindVoice:
		return "/api/voice/upload", nil
	}
	return "", fmt.Errorf("upload: unknown kind %q", k)
}

type Request struct {
	Kind      Kind
	Name      string
	Body      io.Reader
	UserID    string
	SessionID string
}

type Result struct {
	ID       string
	URL      string
	Name     string
	Size     int64
	MimeType string
	Duration float64
}

var ErrRejected = errors.New("upload: rejected by server")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client performs the out-of-band multipart uploads that back file and
// voice messages.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{http: hc, logger: cfg.Logger}
}

func (c *Client) Upload(ctx context.Context, req Request) (Result, error) {
	path, err := req.Kind.path()
	if err != nil {
		return Result{}, err
	}
	if req.Body == nil {
		return Result{}, fmt.Errorf("upload: %s has no body", req.Name)
	}

	ctx, span := telemetry.StartSpan(ctx, "kefu.upload",
		attribute.String("upload.kind", string(req.Kind)),
		attribute.String("upload.name", req.Name),
	)
	defer span.End()

	start := time.Now()
	res, err := c.do(ctx, path, req)
	telemetry.Metrics.UploadDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.Metrics.UploadsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		c.logger.Warn("upload failed",
			slog.String("kind", string(req.Kind)),
			slog.String("name", req.Name),
			slog.String("err", err.Error()),
		)
		return Result{}, err
	}

	telemetry.Metrics.UploadsTotal.WithLabelValues(string(req.Kind), "ok").Inc()
	span.SetAttributes(attribute.Int64("upload.size", res.Size))
	return res, nil
}

func (c *Client) do(ctx context.Context, path string, req Request) (Result, error) {
	form := map[string]string{}
	if req.UserID != "" {
		form["user_id"] = req.UserID
	}
	if req.SessionID != "" {
		form["session_id"] = req.SessionID
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", req.Name, req.Body).
		SetFormData(form).
		Post(path)
	if err != nil {
		return Result{}, fmt.Errorf("upload: posting %s: %w", req.Name, err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode(), bytes.TrimSpace(resp.Body()))
	}

	res, err := parseResult(resp.Body())
	if err != nil {
		return Result{}, err
	}
	if res.Name == "" {
		res.Name = req.Name
	}
	return res, nil
}

type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type resultJSON struct {
	ID        string  `json:"id"`
	FileID    string  `json:"file_id"`
	VoiceID   string  `json:"voice_id"`
	AccessURL string  `json:"access_url"`
	URL       string  `json:"url"`
	FileName  string  `json:"file_name"`
	Size      int64   `json:"size"`
	MimeType  string  `json:"mime_type"`
	Duration  float64 `json:"duration"`
}

func parseResult(body []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("upload: decoding response: %w", err)
	}
	if env.Code != nil && *env.Code != 0 {
		return Result{}, fmt.Errorf("%w: code %d: %s", ErrRejected, *env.Code, env.Message)
	}

	raw := body
	if len(env.Data) > 0 && string(env.Data) != "null" {
		raw = env.Data
	}

	var r resultJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("upload: decoding result: %w", err)
	}

	res := Result{
		ID:       firstNonEmpty(r.FileID, r.VoiceID, r.ID),
		URL:      firstNonEmpty(r.AccessURL, r.URL),
		Name:     r.FileName,
		Size:     r.Size,
		MimeType: r.MimeType,
		Duration: r.Duration,
	}
	if res.ID == "" && res.URL == "" {
		return Result{}, fmt.Errorf("%w: response carries neither id nor url", ErrRejected)
	}
	return res, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
