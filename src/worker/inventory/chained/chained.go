// Package chained implements inventory.Inventory by composing named
// sub-inventories sequentially, grounded on the original's
// ChainedInventory and its test_chained_inventory.py resumption
// semantics: the cursor is a {sub-name: sub-cursor} mapping, and
// resuming on it skips every earlier sub-inventory entirely.
package chained

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/inventory"
)

// Named pairs a sub-inventory with the name it is addressed by in the
// chain's cursor.
type Named struct {
	Name      string
	Inventory inventory.Inventory
}

// ChainedInventory iterates each sub-inventory fully, in order, before
// moving to the next.
type ChainedInventory struct {
	subs []Named
}

// New returns a ChainedInventory over the given named sub-inventories,
// iterated in the given order.
func New(subs []Named) *ChainedInventory {
	return &ChainedInventory{subs: subs}
}

func (c *ChainedInventory) Iterate(ctx context.Context, after *core.Cursor) (<-chan inventory.Item, error) {
	startIdx := 0
	var resumeCursor *core.Cursor

	if after != nil {
		var cursorMap map[string]core.Cursor
		if err := json.Unmarshal([]byte(*after), &cursorMap); err != nil {
			return nil, fmt.Errorf("chained: invalid cursor: %w", err)
		}
		if len(cursorMap) != 1 {
			return nil, fmt.Errorf("chained: cursor must name exactly one sub-inventory, got %d", len(cursorMap))
		}

		var name string
		for k := range cursorMap {
			name = k
		}
		idx := -1
		for i, s := range c.subs {
			if s.Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, fmt.Errorf("chained: unknown sub-inventory %q in cursor", name)
		}
		sub := cursorMap[name]
		startIdx = idx
		resumeCursor = &sub
	}

	ch := make(chan inventory.Item)
	go func() {
		defer close(ch)
		for i := startIdx; i < len(c.subs); i++ {
			sub := c.subs[i]

			var subAfter *core.Cursor
			if i == startIdx {
				subAfter = resumeCursor
			}

			subCh, err := sub.Inventory.Iterate(ctx, subAfter)
			if err != nil {
				return
			}

			for item := range subCh {
				encoded, err := json.Marshal(map[string]core.Cursor{sub.Name: item.Cursor})
				if err != nil {
					return
				}
				out := inventory.Item{
					ID:     core.MessageId(fmt.Sprintf("%s:%s", sub.Name, item.ID)),
					Args:   map[string]interface{}{sub.Name: item.Args},
					Cursor: core.Cursor(encoded),
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

var _ inventory.Inventory = (*ChainedInventory)(nil)
