package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "revpack",
		Short:         "Content-addressed revision store with immutable pack files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("store", "s", ".", "store root directory")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides the configured level")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newPutCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newRepackCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newDebugPackCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "revpack 0.1.0-dev")
		},
	}
}
