// Package blocks places variable-sized blocks inside linear memory.
//
// Every allocated block starts with an 8-byte header:
//
//	+0  span   total block bytes including the header (u32 LE)
//	+4  magic  allocatedMagic while the block is live
//
// Free blocks are tracked outside linear memory in an address-ordered
// red-black tree, which gives first-fit placement in address order and O(log n)
// coalescing with both neighbours. When no free block fits, memory is grown
// by whole pages and the new space is merged with a trailing free block.
package blocks
