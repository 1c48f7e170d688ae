// Package tooltrace records tool and skill invocations: the action surface
// of an execution. A Tracker owns the tool lifecycle (pending to exactly one
// terminal outcome), a Tracer owns skill invocations and their ordered tool
// containment. Both announce everything they record through transcript
// entries, so the transcript stays the single ordered narrative.
package tooltrace
