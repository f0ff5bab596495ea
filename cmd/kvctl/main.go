// Command kvctl is a thin driver over the public kv API, useful for
// poking at a database from a shell without writing Go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:   "kvctl",
		Short: "kvctl drives a kvcore database from the command line",
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "database directory (required)")
	root.MarkPersistentFlagRequired("dir")

	root.AddCommand(newGetCmd(&dir))
	root.AddCommand(newPutCmd(&dir))
	root.AddCommand(newDeleteCmd(&dir))
	root.AddCommand(newCompactDemoCmd(&dir))

	return root
}
