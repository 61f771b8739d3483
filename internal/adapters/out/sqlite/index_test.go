package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dockyard/internal/domain"
)

func openTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry", DBFilename)
	idx, err := Open(context.Background(), path, zerowrap.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestIndex_RecordAndResolve(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	_, err := idx.Resolve(ctx, "app")
	assert.ErrorIs(t, err, domain.ErrRepositoryNotFound)

	first := digest.FromString("first")
	require.NoError(t, idx.Record(ctx, "app", first, "blob"))

	got, err := idx.Resolve(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := digest.FromString("second")
	require.NoError(t, idx.Record(ctx, "app", second, "manifest"))

	got, err = idx.Resolve(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestIndex_SurvivesReopen(t *testing.T) {
	idx, path := openTestIndex(t)
	ctx := context.Background()

	dg := digest.FromString("persisted")
	require.NoError(t, idx.Record(ctx, "team/app", dg, "blob"))
	require.NoError(t, idx.Close())

	reopened, err := Open(ctx, path, zerowrap.Default())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Resolve(ctx, "team/app")
	require.NoError(t, err)
	assert.Equal(t, dg, got)
}

func TestIndex_ConcurrentRecordsAreIndependent(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("repo%d", i)
			assert.NoError(t, idx.Record(ctx, name, digest.FromString(name), "blob"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("repo%d", i)
		got, err := idx.Resolve(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, digest.FromString(name), got)
	}
}
