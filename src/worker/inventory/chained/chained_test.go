package chained

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/worker/inventory"
	"github.com/corepipe/corepipe/src/worker/inventory/staticinv"
)

func newTestChain() *ChainedInventory {
	return New([]Named{
		{Name: "a", Inventory: staticinv.New(staticinv.Options{Items: []map[string]interface{}{
			{"a": 1}, {"a": 2}, {"a": 3},
		}})},
		{Name: "b", Inventory: staticinv.New(staticinv.Options{Items: []map[string]interface{}{
			{"b": "1"}, {"b": "2"}, {"b": "3"},
		}})},
		{Name: "c", Inventory: staticinv.New(staticinv.Options{Items: []map[string]interface{}{
			{"c": "1"}, {"c": "2"}, {"c": "3"},
		}})},
	})
}

func drain(t *testing.T, ch <-chan inventory.Item) []inventory.Item {
	t.Helper()
	var items []inventory.Item
	for item := range ch {
		items = append(items, item)
	}
	return items
}

func TestChainedInventoryFullRun(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()

	ch, err := chain.Iterate(ctx, nil)
	require.NoError(t, err)
	items := drain(t, ch)
	require.Len(t, items, 9)

	var args []map[string]interface{}
	for _, item := range items {
		args = append(args, item.Args)
	}
	require.Equal(t, []map[string]interface{}{
		{"a": map[string]interface{}{"a": 1}},
		{"a": map[string]interface{}{"a": 2}},
		{"a": map[string]interface{}{"a": 3}},
		{"b": map[string]interface{}{"b": "1"}},
		{"b": map[string]interface{}{"b": "2"}},
		{"b": map[string]interface{}{"b": "3"}},
		{"c": map[string]interface{}{"c": "1"}},
		{"c": map[string]interface{}{"c": "2"}},
		{"c": map[string]interface{}{"c": "3"}},
	}, args)
}

func TestChainedInventoryResumeSkipsEarlierSubInventories(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()

	ch, err := chain.Iterate(ctx, nil)
	require.NoError(t, err)
	items := drain(t, ch)
	require.Len(t, items, 9)

	// Resume right after b's first item ({"b": "1"}): "a" must be
	// skipped entirely, and b must resume at its second item.
	resumeAfter := items[3].Cursor

	ch, err = chain.Iterate(ctx, &resumeAfter)
	require.NoError(t, err)
	resumed := drain(t, ch)

	var args []map[string]interface{}
	for _, item := range resumed {
		args = append(args, item.Args)
	}
	require.Equal(t, []map[string]interface{}{
		{"b": map[string]interface{}{"b": "2"}},
		{"b": map[string]interface{}{"b": "3"}},
		{"c": map[string]interface{}{"c": "1"}},
		{"c": map[string]interface{}{"c": "2"}},
		{"c": map[string]interface{}{"c": "3"}},
	}, args)
}

func TestChainedInventoryResumeAfterLastItemIsEmpty(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()

	ch, err := chain.Iterate(ctx, nil)
	require.NoError(t, err)
	items := drain(t, ch)

	last := items[len(items)-1].Cursor
	ch, err = chain.Iterate(ctx, &last)
	require.NoError(t, err)
	require.Empty(t, drain(t, ch))
}
