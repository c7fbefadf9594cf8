// Package bus is a durable, append-only event log with consumer groups.
//
// Publishers append a batch of events as one entry. Each consumer group
// keeps a cursor into the log; reading new entries claims them for the
// reading consumer until they are acknowledged. Claimed entries that stay
// unacknowledged past a threshold can be reclaimed by any consumer of the
// group, which gives at-least-once delivery. Consumers deduplicate with the
// processed-id table.
//
// Entry ids are "<ms>-<seq>" and strictly increase even if the wall clock
// moves backwards. A delivered event's unique id is "<entry id>-<index>".
//
// The log is trimmed by age and length only; consumer progress never holds
// it back and publishing never waits for consumers.
package bus
