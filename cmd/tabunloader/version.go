package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/tabunloader/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !verbose {
				_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
				return err
			}
			info := version.Describe()
			_, err := fmt.Fprintf(out, "module:   %s\nversion:  %s\nrevision: %s\ngo:       %s\nplatform: %s\n",
				info.Module, info.Version, info.Revision, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	return cmd
}
