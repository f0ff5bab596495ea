package main

import (
	"errors"
	"fmt"

	"github.com/return2faye/kvcore/pkg/kv"
	"github.com/spf13/cobra"
)

func newGetCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "print the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := kv.Open(*dir)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			val, err := db.Get([]byte(args[0]))
			if errors.Is(err, kv.ErrNotFound) {
				return fmt.Errorf("key %q not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			fmt.Println(string(val))
			return nil
		},
	}
}
