package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/huddle/internal/version"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.VERSION)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
