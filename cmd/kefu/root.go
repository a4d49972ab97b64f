package kefu

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "kefu",
	Short: "kefu - real-time customer-service channel client",
	Long:  "kefu connects agents and customers to a customer-service chat server over WebSocket, with automatic reconnection, an offline queue and a terminal console.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.kefu/kefu.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(tokenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of kefu",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kefu v%s\n", version)
	},
}
