package kefu

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/config"
	"github.com/igorsilveira/kefu/pkg/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose issues with the kefu installation",
	RunE:  runDoctor,
}

type checkResult struct {
	name   string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("kefu doctor v%s\n", version)
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Go: %s\n\n", runtime.Version())

	cfg, cfgCheck := checkConfig()

	checks := []checkResult{
		checkDataDir(),
		cfgCheck,
		checkDatabase(cmd.Context(), cfg),
		checkMasterKey(cfg),
		checkEndpoint(cfg),
		checkDiag(cfg),
	}

	passed, failed := 0, 0
	for _, c := range checks {
		status := "✓"
		if !c.ok {
			status = "✗"
			failed++
		} else {
			passed++
		}
		fmt.Printf("  %s %s: %s\n", status, c.name, c.detail)
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func checkDataDir() checkResult {
	dir := config.DataDir()
	info, err := os.Stat(dir)
	if err != nil {
		return checkResult{"Data directory", false, fmt.Sprintf("%s does not exist", dir)}
	}
	if !info.IsDir() {
		return checkResult{"Data directory", false, fmt.Sprintf("%s is not a directory", dir)}
	}
	return checkResult{"Data directory", true, dir}
}

func checkConfig() (*config.Config, checkResult) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return config.Default(), checkResult{"Config file", true, fmt.Sprintf("%s not found (using defaults)", path)}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default(), checkResult{"Config file", false, fmt.Sprintf("parse error: %s", err)}
	}
	return cfg, checkResult{"Config file", true, path}
}

func checkDatabase(ctx context.Context, cfg *config.Config) checkResult {
	dsn := cfg.Journal.DSN
	info, err := os.Stat(dsn)
	if err != nil {
		return checkResult{"Database", true, fmt.Sprintf("%s not found (will be created on first connect)", dsn)}
	}
	db, err := store.New(dsn)
	if err != nil {
		return checkResult{"Database", false, fmt.Sprintf("open failed: %s", err)}
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(ctx); err != nil {
		return checkResult{"Database", false, fmt.Sprintf("ping failed: %s", err)}
	}
	return checkResult{"Database", true, fmt.Sprintf("%s (%d KB)", dsn, info.Size()/1024)}
}

func checkMasterKey(cfg *config.Config) checkResult {
	env := cfg.Credentials.MasterKeyEnv
	if os.Getenv(env) == "" {
		return checkResult{"Master key", false, fmt.Sprintf("%s not set (needed for agent session tokens)", env)}
	}
	return checkResult{"Master key", true, fmt.Sprintf("%s set", env)}
}

func checkEndpoint(cfg *config.Config) checkResult {
	u, err := url.Parse(cfg.Server.Endpoint)
	if err != nil || u.Host == "" {
		return checkResult{"Server", false, fmt.Sprintf("invalid endpoint %q", cfg.Server.Endpoint)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return checkResult{"Server", false, fmt.Sprintf("%s unreachable: %s", host, err)}
	}
	_ = conn.Close()
	return checkResult{"Server", true, fmt.Sprintf("%s reachable", cfg.Server.Endpoint)}
}

func checkDiag(cfg *config.Config) checkResult {
	if !cfg.Diag.Enabled {
		return checkResult{"Diagnostics", true, "disabled"}
	}
	url := fmt.Sprintf("http://%s/healthz", cfg.DiagAddr())

	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(url)
	if err != nil {
		return checkResult{"Diagnostics", true, "no client running"}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return checkResult{"Diagnostics", true, fmt.Sprintf("client running at %s", cfg.DiagAddr())}
	}
	return checkResult{"Diagnostics", false, fmt.Sprintf("unhealthy (status %d)", resp.StatusCode)}
}
