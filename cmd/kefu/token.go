package kefu

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/igorsilveira/kefu/pkg/credentials"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage encrypted session tokens",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Store a token (prompts for the value)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenSet,
}

var tokenGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a stored token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenGet,
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a stored token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenDelete,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored token names",
	RunE:  runTokenList,
}

var tokenValue string

func init() {
	tokenSetCmd.Flags().StringVar(&tokenValue, "value", "", "token value (prompted when empty)")

	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenGetCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
	tokenCmd.AddCommand(tokenListCmd)
}

func withCredentials(fn func(*credentials.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	creds, err := openCredentials(cfg, db)
	if err != nil {
		return err
	}
	return fn(creds)
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	value := tokenValue
	if value == "" {
		err := huh.NewInput().
			Title("Value for " + name).
			EchoMode(huh.EchoModePassword).
			Value(&value).
			Run()
		if err != nil {
			return fmt.Errorf("token prompt: %w", err)
		}
	}
	if value == "" {
		return errors.New("token value is empty")
	}

	return withCredentials(func(creds *credentials.Store) error {
		if err := creds.Set(cmd.Context(), name, value); err != nil {
			return err
		}
		fmt.Printf("Stored %s.\n", name)
		return nil
	})
}

func runTokenGet(cmd *cobra.Command, args []string) error {
	return withCredentials(func(creds *credentials.Store) error {
		value, err := creds.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	})
}

func runTokenDelete(cmd *cobra.Command, args []string) error {
	return withCredentials(func(creds *credentials.Store) error {
		if err := creds.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s.\n", args[0])
		return nil
	})
}

func runTokenList(cmd *cobra.Command, args []string) error {
	return withCredentials(func(creds *credentials.Store) error {
		names, err := creds.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No tokens stored.")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}
