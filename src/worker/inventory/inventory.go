// Package inventory defines the Inventory contract (spec.md §4.9): a
// lazy, resumable sequence of items identified by an opaque Cursor.
package inventory

import (
	"context"

	"github.com/corepipe/corepipe/src/core"
)

// Item is one element of an Inventory's sequence. Cursor identifies
// the resumption point immediately after this item: iterating again
// with after=Cursor never re-emits it.
type Item struct {
	ID     core.MessageId
	Args   map[string]interface{}
	Cursor core.Cursor
}

// Inventory is a resumable, lazily-iterated source of Items.
type Inventory interface {
	// Iterate streams items strictly after the given cursor. A nil
	// after starts from the beginning. The channel closes when the
	// inventory is exhausted or ctx is cancelled.
	Iterate(ctx context.Context, after *core.Cursor) (<-chan Item, error)
}
