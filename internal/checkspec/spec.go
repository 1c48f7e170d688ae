// Package checkspec loads custom check definitions written in CUE. A
// check describes a command to run and what counts as pass: the expected
// exit code and an optional required output substring. Definitions are
// validated against an embedded schema; load errors carry file positions.
package checkspec

import (
	"strings"
	"time"

	"github.com/runledger/runledger/internal/record"
)

// Check is one validated custom check definition.
type Check struct {
	Name        string
	Description string
	Category    record.AssertionCategory

	// Command is the argv form; CommandLine renders it for the shell.
	Command []string

	// Timeout bounds the check command; zero means the evaluator default.
	Timeout time.Duration

	ExpectedExit   int
	OutputContains string
}

// CommandLine renders the argv as a single shell command, quoting
// arguments that would otherwise be split or expanded.
func (c Check) CommandLine() string {
	parts := make([]string, len(c.Command))
	for i, arg := range c.Command {
		parts[i] = shellQuote(arg)
	}
	return strings.Join(parts, " ")
}

func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n\"'`$\\&|;<>(){}[]*?~#!") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
