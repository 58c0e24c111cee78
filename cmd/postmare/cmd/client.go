package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ssd-technologies/postmare/internal/daemon"
)

var apiAddr string

var errAPIDisabled = errors.New("operator API is disabled for this node")

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "", "Operator API of the running node (default from senders.json)")
}

var httpClient = &http.Client{Timeout: 6 * time.Minute}

// resolveAPI returns the operator API base URL of the node in configDir.
func resolveAPI() (string, error) {
	addr := apiAddr
	if addr == "" {
		cfg, err := daemon.LoadConfig(configDir, nil)
		if err != nil {
			return "", err
		}
		addr = cfg.APIAddr()
	}
	if addr == "" {
		return "", errAPIDisabled
	}
	return "http://" + addr, nil
}

// callAPI performs a request against the running node and decodes the JSON
// reply into out.
func callAPI(method, path string, out interface{}) error {
	base, err := resolveAPI()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact node: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("node: %s", e.Error)
		}
		return fmt.Errorf("node: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
