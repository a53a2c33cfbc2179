package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var globalConfig Config

func init() {
	logLevel, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		level, err := log.ParseLevel(logLevel)
		if err == nil {
			log.SetLevel(level)
		} else {
			log.Warn("Invalid log level. Defaulting to Info level.")
			log.SetLevel(log.InfoLevel)
		}
	} else {
		log.SetLevel(log.InfoLevel)
	}

	initEvaluate()
	initCheckpoints()
	initHistory()
	initDownload()
	initExporter()
}

var rootCmd = &cobra.Command{
	Use:   "evaluator",
	Short: "Model evaluator",
	Long:  `Evaluates the latest checkpoint of a model on a dataset split`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("running the root command, see help or -h for available commands\n")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
