package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var precacheCmd = &cobra.Command{
	Use:   "precache",
	Short: "Warm the caches once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rep := svc.Precache(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "stored %d, skipped %d, failed %d\n", rep.Stored, rep.Skipped, rep.Failed)
		for kind, n := range svc.PartitionCounts(cmd.Context()) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-7s %d entries\n", kind, n)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes to the sync endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rep, err := svc.RunSync(cmd.Context())
		if err != nil {
			return err
		}
		if rep.Skipped {
			fmt.Fprintln(cmd.OutOrStdout(), "sync endpoint unreachable, queue kept")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, synced %d, failed %d\n", rep.Attempted, rep.Synced, rep.Failed)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and fill the offline write queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add [json]",
	Short: "Queue a JSON payload (argument or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 1 {
			payload = []byte(args[0])
		} else {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			payload = []byte(strings.TrimSpace(string(b)))
		}
		if len(payload) == 0 {
			return errors.New("empty payload")
		}

		svc, _, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		item, err := svc.EnqueueSync(payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued item %d\n", item.ID)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print queued payloads as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		items, err := svc.PendingSync()
		if err != nil {
			return err
		}
		if items == nil {
			items = []offline0.SyncItem{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	},
}

func init() {
	queueCmd.AddCommand(queueAddCmd, queueListCmd)
	rootCmd.AddCommand(precacheCmd, syncCmd, queueCmd)
}
