package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/object"
)

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path@node>",
		Short: "Write one revision's payload to stdout",
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

			data, err := st.Get(key)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
