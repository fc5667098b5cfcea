package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/pack"
)

func newDebugPackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debugpack <packfile>",
		Short: "List the entries of one pack file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			kind, ok := pack.KindOfFile(filepath.Base(path))
			if !ok {
				return fmt.Errorf("%s: not a pack file", path)
			}

			switch kind {
			case pack.KindData:
				return listDataPack(cmd, path)
			default:
				return listHistoryPack(cmd, path)
			}
		},
	}
}

func listDataPack(cmd *cobra.Command, path string) error {
	p, err := pack.OpenData(path)
	if err != nil {
		return err
	}
	defer p.Close()

	keys, err := p.Keys()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: data pack, %d entr%s\n", p.Name(), len(keys), plural(len(keys), "y", "ies"))
	for _, key := range keys {
		meta, err := p.Meta(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s size=%d\n", key, meta.Size)
	}
	return nil
}

func listHistoryPack(cmd *cobra.Command, path string) error {
	p, err := pack.OpenHistory(path)
	if err != nil {
		return err
	}
	defer p.Close()

	keys, err := p.Keys()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: history pack, %d entr%s\n", p.Name(), len(keys), plural(len(keys), "y", "ies"))
	for _, key := range keys {
		info, err := p.GetNodeInfo(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s p1=%s p2=%s link=%s", key, info.P1, info.P2, info.Linknode)
		if info.CopyFrom != "" {
			fmt.Fprintf(out, " copyfrom=%s", info.CopyFrom)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
