package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store layer counts and sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.Info()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "loose revisions:  %d (%s)\n", info.Loose.Objects, humanize.Bytes(uint64(info.Loose.Bytes)))
			fmt.Fprintf(out, "data packs:       %d\n", info.DataPacks)
			fmt.Fprintf(out, "history packs:    %d\n", info.HistoryPacks)
			fmt.Fprintf(out, "packed revisions: %d (%s)\n", info.PackedRevisions, humanize.Bytes(uint64(info.PackBytes)))
			return nil
		},
	}
}
