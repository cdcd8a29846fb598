package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ActiveIndex keeps every active trade id in a global list and in a list per
// owner. Removal swaps the victim with the tail, so both lists stay dense and
// each trade's GlobalIndex/OwnerIndex always names its real position.
type ActiveIndex struct {
	global  []uint64
	byOwner map[common.Address][]uint64
	lookup  func(id uint64) *Trade
}

// Removal records where an id sat before Remove, so Undo can put it back.
type Removal struct {
	ID        uint64
	Owner     common.Address
	GlobalPos int
	OwnerPos  int
}

// NewActiveIndex builds an empty index. lookup resolves ids to the live
// records whose positions the index maintains.
func NewActiveIndex(lookup func(id uint64) *Trade) *ActiveIndex {
	return &ActiveIndex{
		byOwner: make(map[common.Address][]uint64),
		lookup:  lookup,
	}
}

// Insert appends t to both lists and records its positions.
func (ix *ActiveIndex) Insert(t *Trade) {
	t.GlobalIndex = len(ix.global)
	ix.global = append(ix.global, t.ID)

	owned := ix.byOwner[t.Owner]
	t.OwnerIndex = len(owned)
	ix.byOwner[t.Owner] = append(owned, t.ID)
}

// Remove takes t out of both lists with swap-and-pop.
func (ix *ActiveIndex) Remove(t *Trade) Removal {
	rec := Removal{
		ID:        t.ID,
		Owner:     t.Owner,
		GlobalPos: t.GlobalIndex,
		OwnerPos:  t.OwnerIndex,
	}

	ix.global = ix.swapPop(ix.global, t.GlobalIndex, t.ID, func(moved *Trade, pos int) {
		moved.GlobalIndex = pos
	})

	owned := ix.swapPop(ix.byOwner[t.Owner], t.OwnerIndex, t.ID, func(moved *Trade, pos int) {
		moved.OwnerIndex = pos
	})
	if len(owned) == 0 {
		delete(ix.byOwner, t.Owner)
	} else {
		ix.byOwner[t.Owner] = owned
	}
	return rec
}

func (ix *ActiveIndex) swapPop(list []uint64, pos int, id uint64, setPos func(*Trade, int)) []uint64 {
	if pos < 0 || pos >= len(list) || list[pos] != id {
		panic(fmt.Sprintf("FATAL: index position %d does not hold trade %d", pos, id))
	}
	last := len(list) - 1
	if pos != last {
		movedID := list[last]
		list[pos] = movedID
		setPos(ix.mustLookup(movedID), pos)
	}
	return list[:last]
}

// Undo reverses a Remove. Removals must be undone in reverse order.
func (ix *ActiveIndex) Undo(rec Removal) {
	t := ix.mustLookup(rec.ID)

	ix.global = ix.reinsert(ix.global, rec.GlobalPos, rec.ID, func(moved *Trade, pos int) {
		moved.GlobalIndex = pos
	})
	t.GlobalIndex = rec.GlobalPos

	ix.byOwner[rec.Owner] = ix.reinsert(ix.byOwner[rec.Owner], rec.OwnerPos, rec.ID, func(moved *Trade, pos int) {
		moved.OwnerIndex = pos
	})
	t.OwnerIndex = rec.OwnerPos
}

func (ix *ActiveIndex) reinsert(list []uint64, pos int, id uint64, setPos func(*Trade, int)) []uint64 {
	if pos == len(list) {
		return append(list, id)
	}
	displaced := list[pos]
	list = append(list, displaced)
	setPos(ix.mustLookup(displaced), len(list)-1)
	list[pos] = id
	return list
}

func (ix *ActiveIndex) mustLookup(id uint64) *Trade {
	t := ix.lookup(id)
	if t == nil {
		panic(fmt.Sprintf("FATAL: index references unknown trade %d", id))
	}
	return t
}

// Count returns the number of active trades.
func (ix *ActiveIndex) Count() int {
	return len(ix.global)
}

// CountByOwner returns the number of active trades owned by owner.
func (ix *ActiveIndex) CountByOwner(owner common.Address) int {
	return len(ix.byOwner[owner])
}

// IDAt returns the id at a global position.
func (ix *ActiveIndex) IDAt(pos int) (uint64, error) {
	if pos < 0 || pos >= len(ix.global) {
		return 0, fmt.Errorf("global position %d of %d: %w", pos, len(ix.global), ErrInvalidTradeID)
	}
	return ix.global[pos], nil
}

// IDByOwnerAt returns the id at a position in owner's list.
func (ix *ActiveIndex) IDByOwnerAt(owner common.Address, pos int) (uint64, error) {
	owned := ix.byOwner[owner]
	if pos < 0 || pos >= len(owned) {
		return 0, fmt.Errorf("owner %s position %d of %d: %w", owner.Hex(), pos, len(owned), ErrInvalidTradeID)
	}
	return owned[pos], nil
}

// GlobalOrder returns a copy of the global list.
func (ix *ActiveIndex) GlobalOrder() []uint64 {
	return append([]uint64(nil), ix.global...)
}

// OwnerOrder returns a copy of owner's list.
func (ix *ActiveIndex) OwnerOrder(owner common.Address) []uint64 {
	return append([]uint64(nil), ix.byOwner[owner]...)
}

// Restore rebuilds the index from a saved global order. Owner lists follow the
// global order, which is how a snapshot records them.
func (ix *ActiveIndex) Restore(global []uint64, owners map[common.Address][]uint64) error {
	ix.global = nil
	ix.byOwner = make(map[common.Address][]uint64)
	for pos, id := range global {
		t := ix.lookup(id)
		if t == nil {
			return fmt.Errorf("restore: trade %d not in ledger", id)
		}
		t.GlobalIndex = pos
		ix.global = append(ix.global, id)
	}
	for owner, ids := range owners {
		for pos, id := range ids {
			t := ix.lookup(id)
			if t == nil || t.Owner != owner {
				return fmt.Errorf("restore: trade %d not owned by %s", id, owner.Hex())
			}
			t.OwnerIndex = pos
		}
		if len(ids) > 0 {
			ix.byOwner[owner] = append([]uint64(nil), ids...)
		}
	}
	return ix.Validate()
}

// Validate checks that every stored position matches the lists.
func (ix *ActiveIndex) Validate() error {
	seen := 0
	for pos, id := range ix.global {
		t := ix.lookup(id)
		if t == nil {
			return fmt.Errorf("global[%d] = %d: not in ledger", pos, id)
		}
		if t.GlobalIndex != pos {
			return fmt.Errorf("trade %d: GlobalIndex %d, actual %d", id, t.GlobalIndex, pos)
		}
	}
	for owner, ids := range ix.byOwner {
		if len(ids) == 0 {
			return fmt.Errorf("owner %s has an empty list", owner.Hex())
		}
		for pos, id := range ids {
			t := ix.lookup(id)
			if t == nil || t.Owner != owner {
				return fmt.Errorf("owner %s [%d] = %d: wrong owner", owner.Hex(), pos, id)
			}
			if t.OwnerIndex != pos {
				return fmt.Errorf("trade %d: OwnerIndex %d, actual %d", id, t.OwnerIndex, pos)
			}
			seen++
		}
	}
	if seen != len(ix.global) {
		return fmt.Errorf("owner lists hold %d ids, global holds %d", seen, len(ix.global))
	}
	return nil
}
