// Package record defines the data model for the runledger transcript engine:
// transcript entries, tool invocations, skill invocations, assertion records
// and chains, and the fixed vocabularies that tie them together.
//
// Every record belongs to exactly one execution run and is contributed by
// exactly one writer instance. The transcript log is the sole source of
// sequence-ordering truth; all other records derive their place in time from
// the transcript entry they link to.
package record
