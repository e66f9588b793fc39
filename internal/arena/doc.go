// Package arena provides the two fixed-size record allocators used by the
// initializer manager.
//
// Pool is a chunked bump allocator. Records are handed out in order and are
// only ever released all at once with Reset, which keeps the chunks for the
// next round. The pending-type queue of a compilation lives in a Pool.
//
// FreeList recycles individual records with Alloc and Free on top of the same
// chunk growth, in the manner of the runtime's fixalloc. Compilation lock
// entries live in a FreeList.
//
// Neither type is safe for concurrent use; callers provide their own exclusion.
package arena
