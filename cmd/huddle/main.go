package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "huddle",
		Short: "A small real-time chat and attachment relay",
		Long: `huddle relays text, voice clips and files between authenticated users.

Run "huddle serve" on one machine and "huddle connect" everywhere else.
The relay speaks the same framed protocol over TCP, QUIC and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		sendCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "huddle: %s\n", err)
		os.Exit(1)
	}
}
