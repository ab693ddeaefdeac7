package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/store"
	"github.com/vietddude/relay/internal/outbox"
)

// These commands edit the persisted queue record directly; run them while the
// relay daemon is stopped, the same way the daemon itself is the only writer
// while running.

var retryCmd = &cobra.Command{
	Use:   "retry [item_id]",
	Short: "Reset a failed item so the next drain retries it",
	Args:  cobra.ExactArgs(1),
	Run:   runRetry,
}

var removeCmd = &cobra.Command{
	Use:   "remove [item_id]",
	Short: "Remove an item from the outbox regardless of status",
	Args:  cobra.ExactArgs(1),
	Run:   runRemove,
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Remove all permanently failed items",
	Run:   runClearFailed,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(clearFailedCmd)
}

// openStore loads config and opens the configured durable store.
func openStore() (store.Store, func()) {
	cfg := loadConfig()
	st, closeStore, err := control.OpenStore(cfg.Store)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	return st, closeStore
}

// loadItems reads the persisted queue record with a short-lived store handle.
func loadItems(ctx context.Context) []*domain.Item {
	st, closeStore := openStore()
	defer closeStore()
	return readItems(ctx, st)
}

// saveItems rewrites the persisted queue record.
func saveItems(ctx context.Context, st store.Store, items []*domain.Item) {
	raw, err := json.Marshal(items)
	if err != nil {
		slog.Error("Failed to encode outbox state", "error", err)
		os.Exit(1)
	}
	if err := st.Set(ctx, outbox.DefaultStateKey, string(raw)); err != nil {
		slog.Error("Failed to write outbox state", "error", err)
		os.Exit(1)
	}
}

func runRetry(cmd *cobra.Command, args []string) {
	id := args[0]
	ctx := context.Background()

	st, closeStore := openStore()
	defer closeStore()

	items := readItems(ctx, st)
	for _, it := range items {
		if it.ID != id {
			continue
		}
		it.Status = domain.ItemStatusPending
		it.RetryCount = 0
		it.LastError = ""
		it.LastAttemptAt = time.Now()
		saveItems(ctx, st, items)
		fmt.Printf("Item %s reset to pending\n", id)
		return
	}

	fmt.Printf("Item %s not found\n", id)
	os.Exit(1)
}

func runRemove(cmd *cobra.Command, args []string) {
	id := args[0]
	ctx := context.Background()

	st, closeStore := openStore()
	defer closeStore()

	items := readItems(ctx, st)
	for i, it := range items {
		if it.ID != id {
			continue
		}
		items = append(items[:i], items[i+1:]...)
		saveItems(ctx, st, items)
		fmt.Printf("Item %s removed\n", id)
		return
	}

	fmt.Printf("Item %s not found\n", id)
	os.Exit(1)
}

func runClearFailed(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	st, closeStore := openStore()
	defer closeStore()

	items := readItems(ctx, st)
	kept := items[:0]
	removed := 0
	for _, it := range items {
		if it.Status == domain.ItemStatusFailed {
			removed++
			continue
		}
		kept = append(kept, it)
	}

	if removed > 0 {
		saveItems(ctx, st, kept)
	}
	fmt.Printf("Removed %d failed item(s)\n", removed)
}

// readItems reads the queue record using an already-open store.
func readItems(ctx context.Context, st store.Store) []*domain.Item {
	raw, ok, err := st.Get(ctx, outbox.DefaultStateKey)
	if err != nil {
		slog.Error("Failed to read outbox state", "error", err)
		os.Exit(1)
	}
	if !ok || raw == "" {
		return nil
	}

	var items []*domain.Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		slog.Error("Failed to parse outbox state", "error", err)
		os.Exit(1)
	}
	return items
}
