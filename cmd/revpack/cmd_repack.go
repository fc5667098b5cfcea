package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/repack"
)

func newRepackCmd() *cobra.Command {
	var incremental bool
	var background bool
	var maxPackSize string

	cmd := &cobra.Command{
		Use:   "repack",
		Short: "Fold revisions into immutable pack files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return spawnBackgroundRepack(cmd, incremental, maxPackSize)
			}

			st, cfg, log, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if maxPackSize != "" {
				cfg.Repack.MaxPackSize = maxPackSize
			}
			size, err := cfg.MaxPackSizeBytes()
			if err != nil {
				return err
			}

			opts := repack.Options{
				Incremental: incremental || cfg.Repack.Incremental,
				MaxPackSize: size,
				DeltaDepth:  cfg.Repack.DeltaDepth,
				Logger:      log,
			}

			sum, err := repack.Run(cmd.Context(), st, opts)
			if err != nil {
				var running *repack.AlreadyRunningError
				if errors.As(err, &running) {
					return errors.New("abort: skipping repack - another repack is already running")
				}
				return err
			}

			out := cmd.OutOrStdout()
			if sum.Packed == 0 {
				fmt.Fprintln(out, "nothing to repack")
				return nil
			}

			fmt.Fprintf(
				out,
				"packed %d revision(s) into %d data pack(s) (%s) and %d history pack(s) (%s)\n",
				sum.Packed,
				len(sum.DataPacks),
				humanize.Bytes(sum.DataBytes),
				len(sum.HistoryPacks),
				humanize.Bytes(sum.HistoryBytes),
			)
			if sum.PrunedLoose > 0 || sum.PrunedPacks > 0 {
				fmt.Fprintf(out, "pruned %d loose file(s) and %d superseded pack(s)\n", sum.PrunedLoose, sum.PrunedPacks)
			}
			if sum.SweptTemps > 0 {
				fmt.Fprintf(out, "swept %d stale temp file(s)\n", sum.SweptTemps)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&incremental, "incremental", false, "pack only loose revisions, leave existing packs alone")
	cmd.Flags().BoolVar(&background, "background", false, "run the repack in a detached child process")
	cmd.Flags().StringVar(&maxPackSize, "max-pack-size", "", "rotate output packs past this size (e.g. 512MB)")

	return cmd
}

// spawnBackgroundRepack re-execs the current binary without --background
// and leaves the child running on its own.
func spawnBackgroundRepack(cmd *cobra.Command, incremental bool, maxPackSize string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"repack", "--store", storeRoot(cmd)}
	if incremental {
		args = append(args, "--incremental")
	}
	if maxPackSize != "" {
		args = append(args, "--max-pack-size", maxPackSize)
	}
	if level, err := cmd.Flags().GetString("log-level"); err == nil && level != "" {
		args = append(args, "--log-level", level)
	}

	// Stdio stays unset so the child talks to /dev/null and survives the
	// terminal going away.
	child := exec.Command(exe, args...)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background repack: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "repack started in background (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}
