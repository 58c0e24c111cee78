package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/postmare/internal/daemon"
)

const pidFileName = "postmare.pid"

var (
	runSink   bool
	runListen string
	runAPI    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node in the foreground",
	Long: `Start the node: SSH transport, routing heartbeats, the outbox scanner and
the local operator API. Stops cleanly on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	runCmd.Flags().BoolVar(&runSink, "host", false, "Run as the sink (pheromone fixed at 0)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "SSH listen address (default from senders.json)")
	runCmd.Flags().StringVar(&runAPI, "api", "", "Operator API address (default from senders.json)")

	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	pidFile := filepath.Join(configDir, pidFileName)
	if pid, alive := runningPID(pidFile); alive {
		return fmt.Errorf("node already running (PID %d)", pid)
	}

	d, err := daemon.New(daemon.Options{
		Dir:        configDir,
		ForceSink:  runSink,
		Logger:     logger,
		ListenAddr: runListen,
		APIAddr:    runAPI,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		d.Stop()
		return err
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		logger.WithError(err).Warn("write pid file")
	}
	defer os.Remove(pidFile)

	fmt.Fprint(cmd.OutOrStdout(), d.Status().String())
	logger.Info("running, Ctrl-C to exit")
	<-ctx.Done()

	d.Stop()
	return nil
}

// runningPID reports the PID recorded in path and whether that process is
// still alive.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
