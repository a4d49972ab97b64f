package kefu

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/journal"
	"github.com/igorsilveira/kefu/pkg/telemetry"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "View recorded connection events and messages",
	RunE:  runJournal,
}

var (
	journalKind    string
	journalSession string
	journalUser    string
	journalLimit   int
	journalSince   string
	journalPrune   string
)

func init() {
	journalCmd.Flags().StringVar(&journalKind, "type", "", "filter by event kind or message type")
	journalCmd.Flags().StringVar(&journalSession, "session", "", "filter by session ID")
	journalCmd.Flags().StringVar(&journalUser, "user", "", "filter by user ID")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "maximum number of entries")
	journalCmd.Flags().StringVar(&journalSince, "since", "", "show entries since (e.g. 2024-01-01)")
	journalCmd.Flags().StringVar(&journalPrune, "prune", "", "delete entries older than this date instead of listing")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	j, err := journal.New(db.DB(), telemetry.Discard())
	if err != nil {
		return fmt.Errorf("initializing journal: %w", err)
	}

	ctx := cmd.Context()

	if journalPrune != "" {
		before, err := time.Parse("2006-01-02", journalPrune)
		if err != nil {
			return fmt.Errorf("invalid --prune format (use YYYY-MM-DD): %w", err)
		}
		n, err := j.Prune(ctx, before)
		if err != nil {
			return fmt.Errorf("pruning journal: %w", err)
		}
		fmt.Printf("Pruned %d entries.\n", n)
		return nil
	}

	filter := journal.Filter{
		Kind:      journalKind,
		SessionID: journalSession,
		UserID:    journalUser,
		Limit:     journalLimit,
	}
	if journalSince != "" {
		t, err := time.Parse("2006-01-02", journalSince)
		if err != nil {
			return fmt.Errorf("invalid --since format (use YYYY-MM-DD): %w", err)
		}
		filter.Since = t
	}

	entries, err := j.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("querying journal: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No journal entries found.")
		return nil
	}

	for _, e := range entries {
		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %-14s session=%-12s peer=%-10s %s\n", ts, e.Kind, e.SessionID, e.Peer, e.Detail)
	}
	return nil
}
