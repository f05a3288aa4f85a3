package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/client"
)

var closeFlag string

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List or close your open status and interactive streams",
	Long: `List the stream connections the server holds open for you, or close one.
Closing an interactive connection stops its sandboxed process.

Examples:
  runbox connections
  runbox connections --close 6d1f0b7a-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverFlag, userFlag)
		if err != nil {
			return err
		}
		ctx := context.Background()

		if closeFlag != "" {
			if err := c.CloseConnection(ctx, closeFlag); err != nil {
				return err
			}
			fmt.Printf("Closed %s\n", closeFlag)
			return nil
		}

		conns, err := c.Connections(ctx)
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No open connections.")
			return nil
		}

		fmt.Printf("%-38s %-12s %-38s %s\n", "ID", "KIND", "TARGET", "STARTED")
		fmt.Println(strings.Repeat("─", 100))
		for _, conn := range conns {
			fmt.Printf("%-38s %-12s %-38s %s\n", conn.ID, conn.Kind, conn.Target, timeAgo(conn.Started))
		}
		return nil
	},
}

func init() {
	connectionsCmd.Flags().StringVar(&closeFlag, "close", "", "Close the connection with this id")
	rootCmd.AddCommand(connectionsCmd)
}
