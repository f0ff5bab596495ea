package main

import (
	"fmt"

	"github.com/return2faye/kvcore/pkg/kv"
	"github.com/spf13/cobra"
)

func newPutCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := kv.Open(*dir)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			if err := db.Set([]byte(args[0]), []byte(args[1])); err != nil {
				return fmt.Errorf("put: %w", err)
			}
			return nil
		},
	}
}
