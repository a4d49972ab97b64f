package kefu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/diag"
	"github.com/igorsilveira/kefu/pkg/journal"
	"github.com/igorsilveira/kefu/pkg/telemetry"
	"github.com/igorsilveira/kefu/pkg/tui"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the chat server and open the console",
	RunE:  runConnect,
}

var (
	connectIdentity identityFlags
	connectPeer     string
	connectHeadless bool
)

func init() {
	addIdentityFlags(connectCmd, &connectIdentity)
	connectCmd.Flags().StringVar(&connectPeer, "to", "", "user id to talk to")
	connectCmd.Flags().BoolVar(&connectHeadless, "headless", false, "log events instead of opening the console")
}

func addIdentityFlags(cmd *cobra.Command, f *identityFlags) {
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "WebSocket endpoint (overrides server.endpoint)")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&f.userType, "user-type", "", "user type: kefu (agent) or kehu (customer)")
	cmd.Flags().StringVar(&f.userName, "user-name", "", "display name")
	cmd.Flags().StringVar(&f.session, "session", "", "session id (generated when empty)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	connectIdentity.apply(cfg)

	// The console owns the terminal, so logs go to the configured file or
	// nowhere.
	var logOut io.Writer = os.Stderr
	if !connectHeadless {
		logOut = io.Discard
	}
	logger, closeLog, err := setupLogger(cfg, logOut)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	shutdownTracer, err := initTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	id, err := resolveIdentity(cfg, connectIdentity.session, !connectHeadless)
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	// Background work must stop before the store is closed.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	loadToken(ctx, cfg, db, &id, logger)

	c := newClient(cfg, id, logger)
	defer func() { _ = c.Close() }()

	if cfg.Journal.Enabled {
		j, err := journal.New(db.DB(), telemetry.Component(logger, "journal"))
		if err != nil {
			return fmt.Errorf("initializing journal: %w", err)
		}
		detach := j.Attach(c)
		defer detach()
		go j.Retain(ctx, cfg.Journal.Retention.Duration, 0)
	}

	if cfg.Diag.Enabled {
		srv := diag.New(diag.Config{
			Addr:      cfg.DiagAddr(),
			Source:    c,
			Logger:    telemetry.Component(logger, "diag"),
			AuthToken: cfg.Diag.Token,
			Version:   version,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("diagnostics server failed", slog.String("err", err.Error()))
			}
		}()
	}

	logger.Info("connecting",
		slog.String("version", version),
		slog.String("endpoint", cfg.Server.Endpoint),
		slog.String("user_id", id.UserID),
		slog.String("user_type", string(id.UserType)),
	)
	connect := func() error {
		if err := c.Connect(cfg.Server.Endpoint, id); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		return nil
	}

	if connectHeadless {
		return runHeadless(ctx, c, connect, logger)
	}
	return tui.Run(c, c, connect, id.UserID, connectPeer)
}

// runHeadless logs client events until ctx is cancelled.
func runHeadless(ctx context.Context, c *client.Client, connect func() error, logger *slog.Logger) error {
	subs := []client.Subscription{
		c.OnStatusChange(func(e client.StatusChange) {
			attrs := []any{slog.String("from", e.From.String()), slog.String("to", e.To.String())}
			if e.Err != nil {
				attrs = append(attrs, slog.String("err", e.Err.Error()))
			}
			logger.Info("status change", attrs...)
		}),
		c.OnReconnecting(func(e client.ReconnectingEvent) {
			logger.Info("reconnect scheduled",
				slog.Int("attempt", e.Attempt.Number),
				slog.Duration("delay", e.Attempt.Delay),
			)
		}),
		c.OnWarning(func(e client.Warning) {
			logger.Warn(e.Message)
		}),
		c.OnError(func(e client.ErrorEvent) {
			logger.Error("client error", slog.String("err", e.Err.Error()))
		}),
		c.OnMessage(client.KindMessage, func(e client.MessageEvent) {
			logger.Info("message",
				slog.String("type", string(e.Message.Type)),
				slog.String("id", e.Message.ID),
				slog.String("from", e.Message.From),
				slog.Any("content", e.Message.Content),
			)
		}),
	}
	defer func() {
		for _, s := range subs {
			c.Off(s)
		}
	}()

	if err := connect(); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

var (
	_ diag.Source    = (*client.Client)(nil)
	_ journal.Source = (*client.Client)(nil)
)
