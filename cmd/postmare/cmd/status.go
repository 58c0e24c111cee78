package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/postmare/internal/api"
	"github.com/ssd-technologies/postmare/internal/daemon"
)

var jobsRetry bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show routing state of the running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st daemon.Status
		if err := callAPI(http.MethodGet, "/local/status", &st); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), st.String())
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued outbound jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if jobsRetry {
			var r map[string]int
			if err := callAPI(http.MethodPost, "/local/jobs/retry", &r); err != nil {
				return err
			}
			fmt.Fprintf(out, "re-queued %d abandoned job(s)\n", r["reset"])
		}

		var list struct {
			Jobs []api.JobView `json:"jobs"`
		}
		if err := callAPI(http.MethodGet, "/local/jobs", &list); err != nil {
			return err
		}
		if len(list.Jobs) == 0 {
			fmt.Fprintln(out, "no queued jobs")
			return nil
		}
		for _, j := range list.Jobs {
			fmt.Fprintf(out, "%s  %-10s  %d/%d  retries=%d  %s\n",
				j.FileID[:12], j.State, j.SentChunks, j.TotalChunks, j.RetryCount, j.Name)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().BoolVar(&jobsRetry, "retry", false, "Re-queue abandoned jobs first")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
}
