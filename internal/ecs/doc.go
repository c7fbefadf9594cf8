// Package ecs defines entities, their components and the change algebra
// used to move an entity from one version to the next.
//
// An entity is an id plus any subset of a closed set of component kinds.
// Mutations are expressed as Changes (create, update, delete). Several
// changes to the same entity can be folded into one with Merge; a change
// is materialized against a snapshot with Apply, and Diff recovers the
// change between two snapshots.
//
// On the wire a component cleared by an update is written as an explicit
// JSON null inside "delta", while a component the update does not touch
// is omitted. The two must never be confused.
package ecs
