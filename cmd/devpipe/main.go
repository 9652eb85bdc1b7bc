// Package main implements the devpipe CLI: the orchestration server, its MCP
// front end and offline planning tools.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/devpipeline/internal/config"
)

var (
	// globalConfig and projectConfig override the conventional config paths
	globalConfig  string
	projectConfig string
	// serverURL is the base URL of a running devpipe server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devpipe",
	Short: "Route development tasks and drive them through quality pipelines",
	Long: `devpipe scores development tasks, routes them to automated, hybrid or
human executors, and runs each through a quality pipeline with retries,
circuit breakers, quality gates and rollback.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfig, "global-config", "", "global config file (default ~/.devpipeline/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectConfig, "config", "", "project config file (default .devpipeline/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7420", "devpipe server URL")
}

// configPaths returns the config layers, honouring the flags.
func configPaths() (global, project string, err error) {
	global, project, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if globalConfig != "" {
		global = globalConfig
	}
	if projectConfig != "" {
		project = projectConfig
	}
	return global, project, nil
}

// loadConfig loads and validates the layered configuration.
func loadConfig() (*config.Config, error) {
	global, project, err := configPaths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, project)
}
