package heap

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// allocation is the bookkeeping record of one live block. The table owns it.
type allocation struct {
	addr   Addr
	size   uint32
	refs   uint32
	list   Addr // first embedded handle, listEnd when empty
	pins   uint32
	marked bool
}

func (al *allocation) payload() Addr {
	return al.addr + Overhead
}

func (al *allocation) end() Addr {
	return al.payload() + Addr(al.size)
}

// holds reports whether a handle at addr lies fully inside the payload.
func (al *allocation) holds(addr Addr) bool {
	return addr >= al.payload() && uint64(addr)+HandleSize <= uint64(al.end())
}

// table is the ordered set of live allocations keyed by block address.
type table struct {
	tree *redblacktree.Tree
}

func newTable() *table {
	return &table{tree: redblacktree.NewWith(utils.UInt32Comparator)}
}

func (t *table) insert(al *allocation) {
	t.tree.Put(uint32(al.addr), al)
}

func (t *table) remove(addr Addr) {
	t.tree.Remove(uint32(addr))
}

func (t *table) get(addr Addr) *allocation {
	v, ok := t.tree.Get(uint32(addr))
	if !ok {
		return nil
	}
	return v.(*allocation)
}

// contains finds the allocation whose payload covers addr.
// The range is half-open: the byte at payload+size belongs to no one.
func (t *table) contains(addr Addr) *allocation {
	node, ok := t.tree.Floor(uint32(addr))
	if !ok {
		return nil
	}
	al := node.Value.(*allocation)
	if addr >= al.payload() && addr < al.end() {
		return al
	}
	return nil
}

func (t *table) len() int {
	return t.tree.Size()
}

// each visits allocations in address order. fn must not modify the table.
func (t *table) each(fn func(al *allocation)) {
	it := t.tree.Iterator()
	for it.Next() {
		fn(it.Value().(*allocation))
	}
}

// walk visits allocations in tree pre-order with their depth.
func (t *table) walk(fn func(al *allocation, depth int)) {
	var visit func(n *redblacktree.Node, depth int)
	visit = func(n *redblacktree.Node, depth int) {
		if n == nil {
			return
		}
		fn(n.Value.(*allocation), depth)
		visit(n.Left, depth+1)
		visit(n.Right, depth+1)
	}
	visit(t.tree.Root, 0)
}
