package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag string
	serverFlag string
	userFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code execution service",
	Long: `runbox executes untrusted code in isolated containers.

Batch jobs are queued in Redis and executed by a dispatcher; interactive
sessions attach a browser or terminal to a live REPL over a WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./runbox.yaml or ~/.runbox/runbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", envOr("RUNBOX_SERVER", "http://localhost:8080"), "runbox server URL for client commands")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", envOr("RUNBOX_USER", os.Getenv("USER")), "Caller identity sent to the server")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
