package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/config"
	"github.com/odvcencio/revpack/pkg/store"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk every revision and report integrity problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := storeRoot(cmd)

			cfg, err := config.LoadStore(root)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}

			// Strict mode would fail the scan on the first damaged pack.
			// The walk wants to report damage, so open leniently.
			opts := cfg.StoreOptions()
			opts.Strict = false
			opts.Logger = log

			st, err := store.Open(root, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := st.Verify()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !report.OK() {
				for _, problem := range report.Problems {
					fmt.Fprintln(out, problem)
				}
				return fmt.Errorf("verify found %d problem(s)", len(report.Problems))
			}

			fmt.Fprintf(
				out,
				"ok: verified %d loose revision(s), %d data pack(s), %d history pack(s), %d packed revision(s)\n",
				report.LooseRevisions,
				report.DataPacks,
				report.HistoryPacks,
				report.PackedRevisions,
			)
			return nil
		},
	}
}
