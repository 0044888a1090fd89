// Command kanshictl is a command-line client for the kanshi hub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanshi/sdk/go/kanshi"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootOptions struct {
	url     string
	agent   string
	timeout time.Duration
	json    bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "kanshictl",
		Short:         "Inspect and drive a kanshi hub",
		Long:          "kanshictl lists, dispatches and reports on executions tracked by a kanshi hub.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultURL := os.Getenv("KANSHI_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", defaultURL, "Hub base URL (env KANSHI_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.agent, "agent", os.Getenv("KANSHI_AGENT"), "Agent name sent with callbacks (env KANSHI_AGENT)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "request-timeout", 30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON instead of text")

	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newGetCommand(opts))
	rootCmd.AddCommand(newWaitCommand(opts))
	rootCmd.AddCommand(newDispatchCommand(opts))
	rootCmd.AddCommand(newCompleteCommand(opts))
	rootCmd.AddCommand(newFailCommand(opts))
	rootCmd.AddCommand(newTerminateCommand(opts))
	rootCmd.AddCommand(newLogCommand(opts))
	rootCmd.AddCommand(newAgentsCommand(opts))
	rootCmd.AddCommand(newHealthCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}

func (o *rootOptions) client() (*kanshi.Client, error) {
	c, err := kanshi.NewClient(kanshi.Config{
		BaseURL:   o.url,
		AgentName: o.agent,
		Timeout:   o.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
