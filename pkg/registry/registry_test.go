package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mc: 100\nreco: 5\n"), 0o600))

	r, err := New(Config{File: path})
	require.NoError(t, err)

	p, err := r.GetPriority(context.Background(), "mc")
	require.NoError(t, err)
	require.Equal(t, 100, p)

	_, err = r.GetPriority(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrUnknownRequest)

	r.SetPriority("mc", 100)
	require.Empty(t, r.Changes())

	r.SetPriority("mc", 200)
	require.Equal(t, PriorityChange{Request: "mc", Priority: 200}, <-r.Changes())
}
