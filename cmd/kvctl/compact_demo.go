package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/return2faye/kvcore/internal/lsm"
	"github.com/spf13/cobra"
)

func newCompactDemoCmd(dir *string) *cobra.Command {
	var keys int

	cmd := &cobra.Command{
		Use:   "compact-demo",
		Short: "write enough keys to trigger rotation and compaction, then report SST counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := lsm.DefaultConfig(*dir)
			cfg.ThresholdBytes = 4 << 10
			cfg.CompactionTrigger = 3

			db, err := lsm.Open(cfg)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}

			value := make([]byte, 128)
			for i := 0; i < keys; i++ {
				key := []byte(fmt.Sprintf("compact-demo-%06d", i))
				if err := db.Set(key, value); err != nil {
					db.Close()
					return fmt.Errorf("set: %w", err)
				}
			}

			// Give the background flush/compaction goroutines a moment to
			// drain before we count on-disk SSTs.
			time.Sleep(500 * time.Millisecond)

			if err := db.Close(); err != nil {
				return fmt.Errorf("close: %w", err)
			}

			matches, err := filepath.Glob(filepath.Join(*dir, "*.sst"))
			if err != nil {
				return fmt.Errorf("glob: %w", err)
			}
			compacted, err := filepath.Glob(filepath.Join(*dir, "compact-*.sst"))
			if err != nil {
				return fmt.Errorf("glob: %w", err)
			}
			fmt.Printf("wrote %d keys; %d sstable(s) on disk (%d from compaction)\n", keys, len(matches), len(compacted))
			return nil
		},
	}
	cmd.Flags().IntVar(&keys, "keys", 2000, "number of keys to write")
	return cmd
}
