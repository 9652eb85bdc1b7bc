package main

import (
	"context"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/devpipeline/internal/logging"
	"github.com/aristath/devpipeline/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the engine as MCP tools over stdio",
	Long: `Run an in-process engine and expose it to an MCP client over stdio.

Agents can submit tasks, inspect them and act as reviewers. Logs go to
stderr so stdout stays reserved for the protocol.

Examples:
  devpipe mcp
  devpipe mcp --config ./devpipe.yaml`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewWithSink(cfg.Log, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	done := make(chan error, 1)
	go func() { done <- c.engine.Run(ctx) }()

	mcpserver.Version = version
	err = server.ServeStdio(mcpserver.New(c.engine, logger.Named("mcp")))
	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Warn("engine stopped with error", zap.Error(runErr))
	}
	return err
}
