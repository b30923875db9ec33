package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/boltshell/pkg/client"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "boltctl",
	Short: "boltctl - drive a boltshell workspace from the command line",
	Long: `boltctl is a command-line tool for a boltshell workspace server.

It manages shell sessions, runs commands, attaches your terminal to a session,
edits workspace files, streams chat requests and saves or restores snapshots.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("BOLTSHELL_API_URL", "http://localhost:8080"), "boltshell API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BOLTSHELL_API_KEY"), "boltshell API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set BOLTSHELL_API_KEY environment variable or use --api-key flag")
	}
	return nil
}

// newClient checks credentials and returns a client with a request context.
func newClient(timeout time.Duration) (*client.Client, context.Context, context.CancelFunc, error) {
	if err := checkAPIKey(); err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return client.NewClient(baseURL, apiKey), ctx, cancel, nil
}
