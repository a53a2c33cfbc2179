package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dtb-go/evaluator/internal/history"
)

var historyCommand = &cobra.Command{
	Use:   "history",
	Short: "Show the evaluation results recorded in a history database",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := globalConfig
		cfg.Mode = "history"

		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		if err := showHistory(context.Background(), os.Stdout, cfg.HistoryDB, cfg.Limit); err != nil {
			fatal(err)
		}
	},
}

func initHistory() {
	rootCmd.AddCommand(historyCommand)
	historyCommand.PersistentFlags().StringVar(&globalConfig.HistoryDB,
		"history_db", "", "SQLite database the results were recorded in")
	historyCommand.PersistentFlags().IntVar(&globalConfig.Limit,
		"limit", 20, "Number of most recent results to show, 0 shows all")
}

func showHistory(ctx context.Context, w io.Writer, path string, limit int) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	var data [][]string
	for _, e := range entries {
		data = append(data, []string{
			e.At.Local().Format(timestampLayout), e.Model, e.Dataset, e.InputType,
			e.Metric, fmt.Sprintf("%.3f", e.Value), fmt.Sprintf("%d", e.GlobalStep),
			e.Device, formatLabels(e.Labels),
		})
	}

	renderTable(w, []string{"AT", "MODEL", "DATASET", "SPLIT", "METRIC", "VALUE", "STEP", "DEVICE", "LABELS"}, data)
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
