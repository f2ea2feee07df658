package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case id, ok := <-ch:
			require.True(t, ok, "watcher closed")
			if id == want {
				return
			}
		case <-timeout:
			t.Fatalf("no change event for %s", want)
		}
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	changes, err := Watch(ctx, s.ModelsDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveModel(ctx, []byte("a"), testMeta("risk", "1", "")))
	waitFor(t, changes, "risk")

	require.NoError(t, s.SaveModel(ctx, []byte("b"), testMeta("risk", "2", "")))
	waitFor(t, changes, "risk")

	require.NoError(t, s.DeleteModel(ctx, "risk", "1"))
	waitFor(t, changes, "risk")

	cancel()
	for range changes {
	}
}
