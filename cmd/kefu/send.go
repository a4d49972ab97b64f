package kefu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/telemetry"
	"github.com/igorsilveira/kefu/pkg/upload"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a single message and exit",
	Args:  cobra.ArbitraryArgs,
	RunE:  runSend,
}

var (
	sendIdentity identityFlags
	sendTo       string
	sendFile     string
	sendVoice    bool
	sendTimeout  time.Duration
)

func init() {
	addIdentityFlags(sendCmd, &sendIdentity)
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient user id")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "upload and send a file instead of text")
	sendCmd.Flags().BoolVar(&sendVoice, "voice", false, "send --file as a voice message")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "how long to wait for delivery")
	_ = sendCmd.MarkFlagRequired("to")
}

var errUndelivered = errors.New("message still queued")

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" && sendFile == "" {
		return errors.New("nothing to send: pass a message or --file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sendIdentity.apply(cfg)

	logger, closeLog, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	id, err := resolveIdentity(cfg, sendIdentity.session, false)
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	loadToken(ctx, cfg, db, &id, logger)

	c := newClient(cfg, id, logger)
	defer func() { _ = c.Close() }()

	if err := c.Connect(cfg.Server.Endpoint, id); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	var msg protocol.WireMessage
	if sendFile != "" {
		msg, err = sendUpload(ctx, c)
	} else {
		msg, err = c.Send(protocol.Outgoing{To: sendTo, Content: text})
	}
	if err != nil {
		return err
	}

	if err := waitDelivered(ctx, c); err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	// Close returns once the transport has written its buffered frames.
	if err := c.Close(); err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	logger.Info("message sent", slog.String("id", msg.ID), slog.String("to", sendTo))
	fmt.Println(msg.ID)
	return nil
}

func sendUpload(ctx context.Context, c *client.Client) (protocol.WireMessage, error) {
	f, err := os.Open(sendFile)
	if err != nil {
		return protocol.WireMessage{}, fmt.Errorf("opening %s: %w", sendFile, err)
	}
	defer f.Close()

	kind := upload.KindFile
	if sendVoice {
		kind = upload.KindVoice
	}
	return c.SendFile(ctx, sendTo, kind, filepath.Base(sendFile), f)
}

// waitDelivered waits until the queue is empty on a live connection, which
// means every message has been handed to the transport.
func waitDelivered(ctx context.Context, c *client.Client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch c.State() {
		case client.Connected:
			if c.Pending() == 0 {
				return nil
			}
		case client.Failed:
			return fmt.Errorf("%w: %w", errUndelivered, client.ErrRetriesExhausted)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errUndelivered, ctx.Err())
		case <-ticker.C:
		}
	}
}
