package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Realtime chat room sync client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagConfigPath string

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", os.Getenv("CHATSYNC_CONFIG"), "path to yaml config (from env CHATSYNC_CONFIG if set)")

	rootCmd.AddCommand(serveCmd, tailCmd, outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatsync command")
	}
}
