// Package trigger runs content-defined reactions against the entities that
// domain events are addressed to.
//
// For one entity and a batch of its events the Engine reads the entity,
// forks it, lets every executor react on its own copy, folds lifetime
// statistics, and applies the difference under a single version invariant.
// Executors only touch their own namespace of TriggerState, so a failing
// or corrupt trigger cannot disturb the others. An aborted apply is
// retried from a fresh read a bounded number of times, then logged and
// dropped.
//
// Consumer feeds the Engine from the "triggers" consumer group of the bus.
// Delivery is at least once. The reaction commits to the entity store and
// the processed marks then go to the bus, which is a separate database, so
// a crash between the two re-runs the reaction when the batch comes back.
// Counting nodes and lifetime statistics then count those events twice.
// Shrinking the window needs the marks inside the entity transaction.
package trigger
