// Package stream is the in-process fanout layer between the recording
// surfaces and live consumers. Writers publish envelopes to a Hub as soon
// as the underlying record is durable; subscribers receive them on buffered
// channels with drop-and-resync semantics for slow consumers.
package stream
