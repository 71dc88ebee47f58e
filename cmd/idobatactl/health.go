package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// healthResponse matches the /health body of idobata-api.
type healthResponse struct {
	Status string `json:"status"`
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check idobata-api health",
		Long: `Check the health status of a running idobata-api.

Examples:
  idobatactl health
  idobatactl health --server http://api.internal:3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimSuffix(serverURL, "/") + "/health"
			client := &http.Client{Timeout: 5 * time.Second}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			var health healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer URL: %s\n", health.Status, serverURL)
			return nil
		},
	}
}
