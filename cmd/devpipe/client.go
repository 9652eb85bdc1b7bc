package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/devpipeline/internal/api"
	"github.com/aristath/devpipeline/internal/render"
	"github.com/aristath/devpipeline/internal/task"
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <tasks.yaml>",
	Short: "Submit a task file to a running server",
	Long: `Submit every task in a task file as one batch. The batch is rejected as a
whole if any dependency is unknown or forms a cycle.

Examples:
  devpipe submit tasks.yaml
  devpipe submit --server http://build-host:7420 tasks.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress on a running server",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call sends a JSON request and decodes a JSON response into out.
func call(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	tasks, err := readTasks(args[0])
	if err != nil {
		return err
	}
	var resp api.BatchResponse
	if err := call(http.MethodPost, "/tasks/batch", api.BatchRequest{Tasks: tasks}, &resp); err != nil {
		return err
	}
	for _, id := range resp.IDs {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	var tasks []*task.Task
	if err := call(http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Progress(tasks, 60))
	return nil
}
