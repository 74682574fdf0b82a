package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/summitlink/syncd/internal/control"
	"github.com/summitlink/syncd/internal/reconcile"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/status")
		if err != nil {
			printStatus("Daemon", "stopped")
			return nil
		}

		var st control.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Daemon", "running")
		if st.Online {
			printStatus("Network", "online")
		} else {
			printStatus("Network", "offline")
		}
		printStatus("Pending", "%d", st.Pending)
		printStatus("Failed", "%d", st.Failed)
		if st.Syncing {
			printStatus("Sync", "pass in progress")
		}
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a reconciliation pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/sync", nil)
		if err != nil {
			return err
		}

		var result struct {
			Started bool             `json:"started"`
			Report  reconcile.Report `json:"report"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Started {
			printWarning("A sync pass is already running; trigger ignored")
			return nil
		}

		r := result.Report
		if r.Attempted == 0 {
			printSuccess("Queue empty, nothing to sync")
			return nil
		}
		printSuccess("Synced %d of %d queued items", r.Succeeded, r.Attempted)
		if r.Retried > 0 {
			printWarning("%d items will be retried on the next pass", r.Retried)
		}
		if r.Failed > 0 {
			printError("%d items failed permanently (see 'syncd queue failed')", r.Failed)
		}
		return nil
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline mutation queue",
}

type queueItem struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OpType    string `json:"op_type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"created_at"`
	LastError string `json:"last_error"`
}

func printQueueItems(items []queueItem) {
	if len(items) == 0 {
		printSuccess("Queue is empty")
		return
	}
	for _, it := range items {
		ts := time.UnixMilli(it.CreatedAt).Local().Format("2006-01-02 15:04:05")
		line := fmt.Sprintf("%s  %-18s %-10s attempts=%d  %s", ts, it.OpType, it.Status, it.Attempts, it.ID)
		fmt.Println(line)
		if it.LastError != "" {
			fmt.Printf("    last error: %s\n", it.LastError)
		}
	}
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every queued mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/queue")
		if err != nil {
			return err
		}
		var items []queueItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		printQueueItems(items)
		return nil
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List mutations that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/queue/failed")
		if err != nil {
			return err
		}
		var items []queueItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		printQueueItems(items)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-arm failed mutations for the next sync pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/queue/failed/reset", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Re-armed %d failed items", result["reset"])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL queued mutations, including ones not yet synced. Use --confirm to proceed.")
			return nil
		}
		client, err := newControlClient()
		if err != nil {
			return err
		}
		resp, err := client.delete("/queue")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queue cleared")
		return nil
	},
}

func init() {
	queueClearCmd.Flags().Bool("confirm", false, "confirm queue clear")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the read cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Clear the read cache (one dataset key, or everything)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}

		path := "/cache"
		if len(args) == 1 {
			path = "/cache/" + args[0]
		}
		resp, err := client.delete(path)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if key, ok := result["key"]; ok {
			printSuccess("Cleared cached dataset %s", key)
		} else {
			printSuccess("Read cache cleared")
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}
