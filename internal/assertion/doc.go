// Package assertion is the validation surface of the engine. An Evaluator
// checks concrete facts about the world an agent claims to have changed,
// records each check as an assertion with captured evidence, and groups
// related checks into ordered chains with a single aggregate verdict.
//
// A failed check is a fail verdict with evidence, never a Go error. Errors
// are reserved for the evaluator itself being unable to record.
package assertion
