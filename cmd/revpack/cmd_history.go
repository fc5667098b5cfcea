package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/object"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <path@node>",
		Short: "List a revision's first-parent ancestry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := object.ParseKey(args[0])
			if err != nil {
				return err
			}

			st, _, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			revs, err := st.GetAncestors(key, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, rev := range revs {
				fmt.Fprintf(out, "%s", rev.Key)
				if rev.Info.CopyFrom != "" {
					fmt.Fprintf(out, " (copied from %s)", rev.Info.CopyFrom)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of revisions to list (0 means all)")

	return cmd
}
