package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/config"
	"github.com/odvcencio/revpack/pkg/store"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty revision store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := storeRoot(cmd)
			if len(args) > 0 {
				path = args[0]
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			st, err := store.Open(abs, store.Options{})
			if err != nil {
				return err
			}
			defer st.Close()

			if err := os.MkdirAll(st.PackDir(), 0o755); err != nil {
				return fmt.Errorf("create pack directory: %w", err)
			}

			// An existing config is the operator's; leave it alone.
			cfgPath := filepath.Join(abs, config.FileName)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := config.Default().WriteFile(cfgPath); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty revision store in %s\n", abs)
			return nil
		},
	}
}
