package kefu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/config"
	"github.com/igorsilveira/kefu/pkg/credentials"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/reconnect"
	"github.com/igorsilveira/kefu/pkg/store"
	"github.com/igorsilveira/kefu/pkg/telemetry"
	"github.com/igorsilveira/kefu/pkg/transport"
	"github.com/igorsilveira/kefu/pkg/upload"
)

var errNoMasterKey = errors.New("master key is not set")

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// setupLogger logs to the configured file when there is one and to w
// otherwise. The returned func closes the file.
func setupLogger(cfg *config.Config, w io.Writer) (*slog.Logger, func(), error) {
	if cfg.Log.File == "" {
		return telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, w), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, f), func() { _ = f.Close() }, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := config.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.New(cfg.Journal.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return db, nil
}

func openCredentials(cfg *config.Config, db *store.Store) (*credentials.Store, error) {
	key := os.Getenv(cfg.Credentials.MasterKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: export %s", errNoMasterKey, cfg.Credentials.MasterKeyEnv)
	}
	creds, err := credentials.New(db.DB(), key)
	if err != nil {
		return nil, fmt.Errorf("initializing credentials: %w", err)
	}
	return creds, nil
}

// identityFlags are the connection identity overrides shared by connect and
// send.
type identityFlags struct {
	endpoint string
	userID   string
	userType string
	userName string
	session  string
}

func (f *identityFlags) apply(cfg *config.Config) {
	if f.endpoint != "" {
		cfg.Server.Endpoint = f.endpoint
	}
	if f.userID != "" {
		cfg.Identity.UserID = f.userID
	}
	if f.userType != "" {
		cfg.Identity.UserType = f.userType
	}
	if f.userName != "" {
		cfg.Identity.UserName = f.userName
	}
}

// resolveIdentity builds the connection identity from config, asking for
// the user id and name when interactive and they are missing.
func resolveIdentity(cfg *config.Config, session string, interactive bool) (protocol.Identity, error) {
	id := protocol.Identity{
		UserID:    cfg.Identity.UserID,
		UserType:  protocol.UserType(cfg.Identity.UserType),
		UserName:  cfg.Identity.UserName,
		SessionID: session,
	}

	if interactive && id.UserID == "" {
		userType := string(id.UserType)
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("User ID").
					Value(&id.UserID).
					Validate(func(s string) error {
						if s == "" {
							return errors.New("user id is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Display name").
					Value(&id.UserName),
				huh.NewSelect[string]().
					Title("Role").
					Options(
						huh.NewOption("Agent", string(protocol.UserAgent)),
						huh.NewOption("Customer", string(protocol.UserCustomer)),
					).
					Value(&userType),
			),
		).WithTheme(huh.ThemeCharm())
		if err := form.Run(); err != nil {
			return protocol.Identity{}, fmt.Errorf("identity prompt: %w", err)
		}
		id.UserType = protocol.UserType(userType)
	}

	if err := id.Validate(); err != nil {
		return protocol.Identity{}, err
	}
	return id, nil
}

// loadToken fills the agent session token from the credential store. A
// missing master key or entry only produces a warning; the server decides
// whether the connection is accepted without one.
func loadToken(ctx context.Context, cfg *config.Config, db *store.Store, id *protocol.Identity, logger *slog.Logger) {
	if id.UserType != protocol.UserAgent || cfg.Identity.TokenName == "" {
		return
	}
	creds, err := openCredentials(cfg, db)
	if err != nil {
		logger.Warn("session token unavailable", slog.String("err", err.Error()))
		return
	}
	token, err := creds.Get(ctx, cfg.Identity.TokenName)
	if err != nil {
		logger.Warn("session token unavailable",
			slog.String("name", cfg.Identity.TokenName),
			slog.String("err", err.Error()),
		)
		return
	}
	id.SessionToken = token
}

func newClient(cfg *config.Config, id protocol.Identity, logger *slog.Logger) *client.Client {
	var up client.Uploader
	if cfg.Server.UploadURL != "" {
		up = upload.New(upload.Config{
			BaseURL: cfg.Server.UploadURL,
			Token:   id.SessionToken,
			Timeout: cfg.Server.UploadTimeout.Duration,
			Logger:  telemetry.Component(logger, "upload"),
		})
	}

	return client.New(client.Config{
		Transport: transport.NewWebSocket(transport.WebSocketConfig{
			Logger: telemetry.Component(logger, "transport"),
		}),
		Uploader:          up,
		Logger:            telemetry.Component(logger, "client"),
		QueueCapacity:     cfg.Client.QueueCapacity,
		HeartbeatInterval: cfg.Client.HeartbeatInterval.Duration,
		Reconnect: reconnect.Config{
			BaseDelay:   cfg.Client.ReconnectBaseDelay.Duration,
			MaxDelay:    cfg.Client.ReconnectMaxDelay.Duration,
			MaxAttempts: cfg.Client.ReconnectMaxAttempts,
		},
		DedupSize: cfg.Client.DedupSize,
	})
}

func initTracer(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,

		ServerEndpoint: cfg.Server.Endpoint,
		UserType:       cfg.Identity.UserType,
	})
}
