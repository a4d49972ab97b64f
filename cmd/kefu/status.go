package kefu

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/diag"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running client",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/status", cfg.DiagAddr())

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Diag.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Diag.Token)
	}

	hc := &http.Client{Timeout: 3 * time.Second}
	resp, err := hc.Do(req)
	if err != nil {
		fmt.Println("status: client is not running (is diag.enabled set?)")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("status: diagnostics returned %s\n", resp.Status)
		return nil
	}

	var st diag.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("state:      %s\n", st.State)
	fmt.Printf("user:       %s (session %s)\n", st.UserID, st.SessionID)
	fmt.Printf("pending:    %d\n", st.Pending)
	fmt.Printf("sent:       %d\n", st.MessagesSent)
	fmt.Printf("received:   %d\n", st.MessagesReceived)
	fmt.Printf("reconnects: %d\n", st.ReconnectCount)
	if !st.LastHeartbeatAt.IsZero() {
		fmt.Printf("heartbeat:  %s ago\n", time.Since(st.LastHeartbeatAt).Round(time.Second))
	}
	fmt.Printf("uptime:     %s\n", st.Uptime)
	return nil
}
