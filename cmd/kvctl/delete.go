package main

import (
	"fmt"

	"github.com/return2faye/kvcore/pkg/kv"
	"github.com/spf13/cobra"
)

func newDeleteCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := kv.Open(*dir)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			if err := db.Delete([]byte(args[0])); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			return nil
		},
	}
}
