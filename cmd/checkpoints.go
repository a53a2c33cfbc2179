package cmd

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dtb-go/evaluator/internal/checkpoint"
)

var checkpointsCommand = &cobra.Command{
	Use:   "checkpoints",
	Short: "List the checkpoints of a checkpoint directory",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := globalConfig
		cfg.Mode = "checkpoints"

		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		if err := listCheckpoints(os.Stdout, cfg.CheckpointDir); err != nil {
			fatal(err)
		}
	},
}

func initCheckpoints() {
	rootCmd.AddCommand(checkpointsCommand)
	checkpointsCommand.PersistentFlags().StringVarP(&globalConfig.CheckpointDir,
		"checkpoint_dir", "c", "", "Directory holding the checkpoint state file and checkpoints")
}

func listCheckpoints(w io.Writer, dir string) error {
	entries, err := checkpoint.List(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		infof("no checkpoints in %s", dir)
		return nil
	}

	var data [][]string
	for _, e := range entries {
		step := strconv.FormatInt(e.Step, 10)
		if e.Step < 0 {
			step = "-"
		}
		latest := ""
		if e.Latest {
			latest = "*"
		}
		data = append(data, []string{
			filepath.Base(e.Path), step, humanBytes(e.Size),
			e.Modified.Format(timestampLayout), latest,
		})
	}

	renderTable(w, []string{"CHECKPOINT", "STEP", "SIZE", "MODIFIED", "LATEST"}, data)
	return nil
}
