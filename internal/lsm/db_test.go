package lsm

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestEmptyStoreGetSetDelete(t *testing.T) {
	db, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("0"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set([]byte("0"), []byte("0")))
	val, err := db.Get([]byte("0"))
	require.NoError(t, err)
	require.Equal(t, "0", string(val))

	require.NoError(t, db.Delete([]byte("0")))
	_, err = db.Get([]byte("0"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOverwriteIsVisibleImmediately(t *testing.T) {
	db, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("1"), []byte("a")))
	require.NoError(t, db.Set([]byte("1"), []byte("bb")))

	val, err := db.Get([]byte("1"))
	require.NoError(t, err)
	require.Equal(t, "bb", string(val))
}

func TestRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, db1.Set(key, key))
	}
	require.NoError(t, db1.Close())

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		val, err := db2.Get(key)
		require.NoError(t, err)
		require.Equal(t, key, val)
	}
}

func TestRecoveryKeepsLatestVersion(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db1.Set([]byte("a"), []byte("1")))
	require.NoError(t, db1.Close())

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db2.Set([]byte("a"), []byte("2")))
	require.NoError(t, db2.Close())

	db3, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db3.Close()

	val, err := db3.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(val), "exactly one visible version after repeated reopen")
}

func TestRotationAndFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.ThresholdBytes = 256 // force rotation quickly

	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	value := make([]byte, 64)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Set(key, value))
	}

	waitFor(t, 5*time.Second, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.sst"))
		return len(matches) > 0
	})

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val, err := db.Get(key)
		require.NoError(t, err)
		require.Equal(t, value, val)
	}
}

func TestCompactionTriggersAndKeepsValues(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.ThresholdBytes = 128
	cfg.CompactionTrigger = 2

	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	value := make([]byte, 64)
	for round := 0; round < 4; round++ {
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("r%d-k%d", round, i))
			require.NoError(t, db.Set(key, value))
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "compact-*.sst"))
		return len(matches) > 0
	})

	val, err := db.Get([]byte("r0-k0"))
	require.NoError(t, err)
	require.Equal(t, value, val)
}

func TestWALUnlinkedAfterFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.ThresholdBytes = 128

	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	value := make([]byte, 64)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Set(key, value))
	}

	waitFor(t, 5*time.Second, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.wal"))
		return len(matches) == 1
	})
}
