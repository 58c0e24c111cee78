package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/postmare/internal/daemon"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver PROJECT",
	Short: "Package a project's new export files into the outbox",
	Long: `Run the configured export command for PROJECT, if any, and package every
export file newer than the last delivery into the outbox. The running node
does the work when reachable; otherwise the package is built locally and
picked up on the node's next start.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeliver,
}

func init() {
	rootCmd.AddCommand(deliverCmd)
}

func runDeliver(cmd *cobra.Command, args []string) error {
	project := args[0]
	out := cmd.OutOrStdout()

	var reply map[string]string
	err := callAPI(http.MethodPost, "/local/deliver?project="+url.QueryEscape(project), &reply)
	if err == nil {
		if reply["package"] == "" {
			fmt.Fprintln(out, "no new export files")
		} else {
			fmt.Fprintf(out, "queued %s\n", reply["package"])
		}
		return nil
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, errAPIDisabled) {
		return err
	}

	logger, closeLog, lerr := newLogger()
	if lerr != nil {
		return lerr
	}
	defer closeLog()
	d, err := daemon.New(daemon.Options{Dir: configDir, Logger: logger})
	if err != nil {
		return err
	}
	defer d.Stop()

	pkg, err := d.Deliver(context.Background(), project)
	if err != nil {
		return err
	}
	if pkg == "" {
		fmt.Fprintln(out, "no new export files")
	} else {
		fmt.Fprintf(out, "queued %s\n", pkg)
	}
	return nil
}
