package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"chatsync/client/internal/config"
	"chatsync/client/internal/journal"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List locally journaled entries that never reached the server",
	RunE:  runOutbox,
}

var flagOutboxRoom string

func init() {
	outboxCmd.Flags().StringVar(&flagOutboxRoom, "room", "", "room name")
	_ = outboxCmd.MarkFlagRequired("room")
}

// runOutbox 只读 journal，不需要连接服务端
func runOutbox(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path is not configured")
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(flagOutboxRoom)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
