package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// provctl drives the provisioner's maintenance API. It authenticates with
// the shared internal secret, so it is meant to run on the host itself or
// over a trusted network.

var (
	serverURL string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "provctl",
		Short:         "Operator tooling for the eBuilder provisioner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8006", "provisioner API base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Run a reconciliation pass against Docker and nginx",
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/api/internal/sync")
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove leftover artifacts of deleted instances past retention",
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/api/internal/cleanup")
			},
		},
		&cobra.Command{
			Use:   "nginx-regenerate",
			Short: "Rewrite nginx configs for all serving instances",
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/api/internal/nginx/regenerate")
			},
		},
		&cobra.Command{
			Use:   "health-check",
			Short: "Probe every running instance immediately",
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/api/internal/health-check")
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show instance counts by status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodGet, "/api/internal/stats")
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func call(method, path string) error {
	secret := os.Getenv("INTERNAL_SECRET")
	if secret == "" {
		return fmt.Errorf("INTERNAL_SECRET environment variable is not set")
	}

	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Internal-Secret", secret)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
