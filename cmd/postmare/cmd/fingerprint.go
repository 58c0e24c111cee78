package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/postmare/internal/daemon"
	"github.com/ssd-technologies/postmare/internal/identity"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print this node's fingerprint and a receivers.json entry for it",
	Long: `Print the node fingerprint, generating the key on first use. The JSON entry
can be pasted into a neighbor's missionlist/receivers.json after filling in
the host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig(configDir, nil)
		if err != nil {
			return err
		}
		keys, _, err := identity.LoadOrGenerateKeypair(cfg.KeyPath())
		if err != nil {
			return err
		}

		entry := map[string]daemon.ReceiverConfig{
			keys.ID.Hex(): {Host: "<address>", Port: cfg.Sender.ListenPort, PubKey: keys.AuthorizedKey()},
		}
		snippet, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, keys.ID.Hex())
		fmt.Fprintln(out, string(snippet))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
