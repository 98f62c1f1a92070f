package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const statusTimeout = 5 * time.Second

type healthReport struct {
	Status            string `json:"status"`
	Connected         bool   `json:"connected"`
	PlatformConnected bool   `json:"platform_connected"`
	ActiveConnections int    `json:"active_connections"`
}

func newStatusCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running relay",
		Long:  "Queries the /health endpoint of a running relay and prints the robot link state and browser count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, baseURL)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "base URL of the running relay")
	return cmd
}

func runStatus(cmd *cobra.Command, baseURL string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %s", resp.Status)
	}

	var h healthReport
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}

	out := cmd.OutOrStdout()
	link := "disconnected"
	switch {
	case h.PlatformConnected:
		link = "connected (platform)"
	case h.Connected:
		link = "connected"
	}
	fmt.Fprintf(out, "Status:    %s\n", h.Status)
	fmt.Fprintf(out, "Robot:     %s\n", link)
	fmt.Fprintf(out, "Browsers:  %d\n", h.ActiveConnections)
	return nil
}
