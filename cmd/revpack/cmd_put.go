package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/odvcencio/revpack/pkg/object"
)

func newPutCmd() *cobra.Command {
	var p1, p2, linknode, copyFrom string

	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store one revision read from stdin and print its node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			info := object.NodeInfo{CopyFrom: copyFrom}
			if info.P1, err = parseNodeFlag("p1", p1); err != nil {
				return err
			}
			if info.P2, err = parseNodeFlag("p2", p2); err != nil {
				return err
			}
			if info.Linknode, err = parseNodeFlag("linknode", linknode); err != nil {
				return err
			}

			st, _, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			key := object.Key{Path: args[0], Node: object.DeriveNode(data, info.P1, info.P2)}
			if err := st.Put(key, data, info); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), key.Node)
			return nil
		},
	}

	cmd.Flags().StringVar(&p1, "p1", "", "first parent node")
	cmd.Flags().StringVar(&p2, "p2", "", "second parent node")
	cmd.Flags().StringVar(&linknode, "linknode", "", "changeset node the revision belongs to")
	cmd.Flags().StringVar(&copyFrom, "copy-from", "", "source path when the revision was created by a copy")

	return cmd
}

func parseNodeFlag(name, value string) (object.Node, error) {
	if value == "" {
		return object.NullNode, nil
	}
	node, err := object.ParseNode(value)
	if err != nil {
		return object.NullNode, fmt.Errorf("--%s: %w", name, err)
	}
	return node, nil
}
