// Package staticinv implements inventory.Inventory over a fixed,
// in-memory list of items, the way the original's StaticInventory
// wraps a plain Python list for tests and small fixed-catalog jobs.
package staticinv

import (
	"context"
	"strconv"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/inventory"
)

// Options configures a StaticInventory.
type Options struct {
	Items []map[string]interface{} `mapstructure:"items"`
}

// StaticInventory emits one Item per entry in Items, in order. Its
// cursor is the decimal string index of the last emitted item.
type StaticInventory struct {
	items []map[string]interface{}
}

// New returns a StaticInventory over the given items.
func New(opts Options) *StaticInventory {
	return &StaticInventory{items: opts.Items}
}

func (s *StaticInventory) Iterate(ctx context.Context, after *core.Cursor) (<-chan inventory.Item, error) {
	start := 0
	if after != nil {
		idx, err := strconv.Atoi(string(*after))
		if err != nil {
			return nil, err
		}
		start = idx + 1
	}

	ch := make(chan inventory.Item)
	go func() {
		defer close(ch)
		for i := start; i < len(s.items); i++ {
			item := inventory.Item{
				ID:     core.MessageId(strconv.Itoa(i)),
				Args:   s.items[i],
				Cursor: core.Cursor(strconv.Itoa(i)),
			}
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ inventory.Inventory = (*StaticInventory)(nil)
