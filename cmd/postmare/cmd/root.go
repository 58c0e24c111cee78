package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configDir string
	verbose   bool
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:   "postmare",
	Short: "Postmare - store-and-forward log delivery over SSH",
	Long: `Postmare moves exported log packages from every node toward a single sink.
Nodes learn their distance to the sink from signed neighbor heartbeats and
forward queued files hop by hop over mutually authenticated SSH links.

Run 'postmare run' to start a node in the config directory.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Node config directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append logs to this file")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// newLogger builds the process logger. The returned closer releases the log
// file, if any.
func newLogger() (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if logFile == "" {
		return logger, func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return logger, func() { f.Close() }, nil
}
