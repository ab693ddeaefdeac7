package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted outbox queue",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	items := loadItems(context.Background())

	if len(items) == 0 {
		fmt.Println("Outbox is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tLAST ATTEMPT\tLAST ERROR")

	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Type, it.Status, it.RetryCount,
			it.LastAttemptAt.Format("2006-01-02 15:04:05"), it.LastError)
	}
	_ = w.Flush()

	counts := map[domain.ItemStatus]int{}
	for _, it := range items {
		counts[it.Status]++
	}
	fmt.Printf("\n%d pending, %d processing, %d failed\n",
		counts[domain.ItemStatusPending],
		counts[domain.ItemStatusProcessing],
		counts[domain.ItemStatusFailed])
}
