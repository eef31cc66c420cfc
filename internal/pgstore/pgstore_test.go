package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/store/storetest"
)

// Set NOTESYNC_TEST_PG_URL to a scratch database to run these tests.
func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("NOTESYNC_TEST_PG_URL")
	if url == "" {
		t.Skip("NOTESYNC_TEST_PG_URL not set")
	}
	n := 0
	storetest.Run(t, func(t *testing.T) store.Backend {
		n++
		ctx := context.Background()
		prefix := fmt.Sprintf("test_%d_%d_", time.Now().UnixNano(), n)
		s, err := Open(ctx, url, WithTablePrefix(prefix))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.DropTables(ctx)
			s.Close()
		})
		return s
	})
}

func TestNewTableNames(t *testing.T) {
	names := NewTableNames("dev_")
	require.Equal(t, "dev_documents", names.Documents)
	require.Equal(t, "dev_updates", names.Updates)
	require.Equal(t, "dev_file_index", names.FileIndex)
	require.Equal(t, "dev_compactions", names.Compactions)
}
