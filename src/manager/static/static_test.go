package static

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromDocumentResourcesByTypeAndExecutors(t *testing.T) {
	doc := Document{
		Resources: []ResourceDefinition{
			{Name: "db-1", Type: "database"},
			{Name: "db-2", Type: "database"},
		},
		Executors: []ExecutorDefinition{
			{Name: "exec1", Version: "1.4.0"},
		},
	}

	defs, err := FromDocument(doc)
	require.NoError(t, err)

	items, _, ok := defs.ResourcesByType("database")
	require.True(t, ok)
	require.Len(t, items, 2)

	_, ok = defs.ResourcesByType("missing")
	require.False(t, ok)

	_, ok = defs.Executor("exec1")
	require.True(t, ok)
	_, ok = defs.Executor("ghost")
	require.False(t, ok)
}

func TestExecutorSatisfiesVersionConstraint(t *testing.T) {
	defs, err := FromDocument(Document{
		Executors: []ExecutorDefinition{{Name: "exec1", Version: "1.4.0"}},
	})
	require.NoError(t, err)

	ok, err := defs.ExecutorSatisfies("exec1", ">=1.2.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = defs.ExecutorSatisfies("exec1", ">=2.0.0")
	require.NoError(t, err)
	require.False(t, ok)

	// Unversioned executors satisfy any constraint.
	ok, err = defs.ExecutorSatisfies("unversioned", ">=99.0.0")
	require.NoError(t, err)
	require.True(t, ok)
}
