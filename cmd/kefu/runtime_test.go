package kefu

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/config"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/store"
	"github.com/igorsilveira/kefu/pkg/telemetry"
)

func TestIdentityFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = "from-file"

	f := identityFlags{endpoint: "wss://chat.example.com/ws", userID: "k9", userType: "kehu"}
	f.apply(cfg)

	if cfg.Server.Endpoint != "wss://chat.example.com/ws" {
		t.Errorf("Endpoint = %q", cfg.Server.Endpoint)
	}
	if cfg.Identity.UserID != "k9" || cfg.Identity.UserType != "kehu" {
		t.Errorf("Identity = %+v", cfg.Identity)
	}

	(&identityFlags{}).apply(cfg)
	if cfg.Identity.UserID != "k9" {
		t.Errorf("empty flags changed UserID to %q", cfg.Identity.UserID)
	}
}

func TestResolveIdentity(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		userType string
		wantErr  bool
	}{
		{"agent", "k1", "kefu", false},
		{"customer", "c1", "kehu", false},
		{"missing id", "", "kefu", true},
		{"bad type", "k1", "admin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Identity.UserID = tt.userID
			cfg.Identity.UserType = tt.userType

			id, err := resolveIdentity(cfg, "s1", false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrInvalidIdentity) {
					t.Errorf("err = %v, want ErrInvalidIdentity", err)
				}
				return
			}
			if id.UserID != tt.userID || id.SessionID != "s1" {
				t.Errorf("identity = %+v", id)
			}
		})
	}
}

func TestLoadTokenFromCredentials(t *testing.T) {
	t.Setenv("KEFU_TEST_KEY", "master")
	cfg := config.Default()
	cfg.Credentials.MasterKeyEnv = "KEFU_TEST_KEY"

	db, err := store.New(filepath.Join(t.TempDir(), "kefu.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	creds, err := openCredentials(cfg, db)
	if err != nil {
		t.Fatalf("openCredentials: %v", err)
	}
	if err := creds.Set(context.Background(), cfg.Identity.TokenName, "tok-1"); err != nil {
		t.Fatal(err)
	}

	agent := protocol.Identity{UserID: "k1", UserType: protocol.UserAgent}
	loadToken(context.Background(), cfg, db, &agent, telemetry.Discard())
	if agent.SessionToken != "tok-1" {
		t.Errorf("agent token = %q, want tok-1", agent.SessionToken)
	}

	customer := protocol.Identity{UserID: "c1", UserType: protocol.UserCustomer}
	loadToken(context.Background(), cfg, db, &customer, telemetry.Discard())
	if customer.SessionToken != "" {
		t.Errorf("customer got token %q", customer.SessionToken)
	}
}

func TestOpenCredentialsWithoutKey(t *testing.T) {
	t.Setenv("KEFU_TEST_KEY", "")
	cfg := config.Default()
	cfg.Credentials.MasterKeyEnv = "KEFU_TEST_KEY"

	db, err := store.New(filepath.Join(t.TempDir(), "kefu.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := openCredentials(cfg, db); !errors.Is(err, errNoMasterKey) {
		t.Errorf("err = %v, want errNoMasterKey", err)
	}
}

func TestWaitDeliveredTimesOut(t *testing.T) {
	c := client.New(client.Config{Logger: telemetry.Discard()})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := waitDelivered(ctx, c)
	if !errors.Is(err, errUndelivered) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want undelivered deadline", err)
	}
}
