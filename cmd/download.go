package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dtb-go/evaluator/internal/dataset"
)

var downloadCommand = &cobra.Command{
	Use:   "download",
	Short: "Download and extract a dataset into the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := globalConfig
		cfg.Mode = "download"

		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ds, err := dataset.New(cfg.Dataset, cfg.datasetOptions())
		if err != nil {
			fatal(err)
		}
		if err := ds.MaybeDownloadAndExtract(ctx); err != nil {
			fatal(errors.Wrapf(err, "prepare dataset %s", ds.Name()))
		}

		infof("dataset %s ready: %d train, %d validation, %d test examples", ds.Name(),
			ds.NumExamples(dataset.Train), ds.NumExamples(dataset.Validation), ds.NumExamples(dataset.Test))
	},
}

func initDownload() {
	rootCmd.AddCommand(downloadCommand)
	downloadCommand.PersistentFlags().StringVarP(&globalConfig.Dataset,
		"dataset", "d", "", "Dataset to download, one of "+joinNames(dataset.Names()))
	downloadCommand.PersistentFlags().StringVar(&globalConfig.DataDir,
		"data_dir", "", "Directory the dataset is downloaded to")
	downloadCommand.PersistentFlags().StringVar(&globalConfig.DatasetFile,
		"dataset_file", "", "Path to the hdf5 file of the hdf5 dataset")
}
