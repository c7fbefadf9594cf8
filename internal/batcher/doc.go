// Package batcher stages the edits of one logical operation and splits
// them into the smallest set of atomic transactions.
//
// A Batcher hands out memoized working copies of entities. Callers mutate
// the copies in memory, record events against them, and declare links
// between entities whose edits must commit together. Flush diffs every
// copy against the snapshot it was read from and emits one transaction per
// linked group and one per unlinked entity, so independent edits never
// share an abort.
//
// A Batcher is owned by a single goroutine; it is not safe for concurrent
// use.
package batcher
