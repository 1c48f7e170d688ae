// Package transcript is the append-only recording surface of the engine.
//
// A Log stamps each entry with a sequence number scoped to one
// (execution, instance) pair. Within a scope, sequence numbers are strictly
// increasing with no gaps; across instances, only wall-clock timestamps
// order entries. The durable store write happens before the counter
// advances, so a failed write never burns a sequence slot.
package transcript
