package checkspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/internal/record"
)

func writeChecks(t *testing.T, name, source string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644))
	return dir
}

func TestLoad_ValidChecks(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: {
	"unit-tests": {
		description: "unit tests pass"
		category:    "tests_pass"
		command: ["go", "test", "./..."]
		timeout:         "90s"
		output_contains: "ok"
	}
	build: {
		description: "module compiles"
		category:    "compiles"
		command: ["go", "build", "./..."]
	}
}
`)

	result, errs := Load(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Checks, 2)
	assert.Equal(t, 1, result.FileCount)

	// Sorted by name.
	build, tests := result.Checks[0], result.Checks[1]
	assert.Equal(t, "build", build.Name)
	assert.Equal(t, "unit-tests", tests.Name)

	assert.Equal(t, record.AssertCompiles, build.Category)
	assert.Equal(t, []string{"go", "build", "./..."}, build.Command)
	assert.Equal(t, 0, build.ExpectedExit, "schema default")
	assert.Zero(t, build.Timeout)

	assert.Equal(t, record.AssertTestsPass, tests.Category)
	assert.Equal(t, 90*time.Second, tests.Timeout)
	assert.Equal(t, "ok", tests.OutputContains)
}

func TestLoad_DefaultsToCustomCategory(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: lint: {
	description: "no lint findings"
	command: ["golangci-lint", "run"]
	expected_exit: 0
}
`)

	result, errs := Load(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, record.AssertCustom, result.Checks[0].Category)
}

func TestLoad_NonzeroExpectedExit(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: "no-todos": {
	description: "grep finds no TODO markers"
	command: ["grep", "-rq", "TODO", "."]
	expected_exit: 1
}
`)

	result, errs := Load(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, 1, result.Checks[0].ExpectedExit)
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoad_NoCUEFiles(t *testing.T) {
	_, errs := Load(t.TempDir(), LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestLoad_RejectsMissingDescription(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: broken: {
	command: ["true"]
}
`)

	_, errs := Load(dir, LoadModeCollectAll)
	require.NotEmpty(t, errs)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeSchema, le.Code)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: typo: {
	description: "misspelled field"
	command: ["true"]
	expceted_exit: 1
}
`)

	_, errs := Load(dir, LoadModeCollectAll)
	assert.NotEmpty(t, errs)
}

func TestLoad_RejectsBadTimeout(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: slow: {
	description: "bad timeout syntax"
	command: ["true"]
	timeout: "fast"
}
`)

	_, errs := Load(dir, LoadModeCollectAll)
	assert.NotEmpty(t, errs)
}

func TestLoad_CollectAllGathersEveryError(t *testing.T) {
	dir := writeChecks(t, "checks.cue", `
check: {
	first: {
		command: ["true"]
	}
	second: {
		command: ["false"]
	}
	good: {
		description: "fine"
		command: ["true"]
	}
}
`)

	result, errs := Load(dir, LoadModeCollectAll)
	assert.Len(t, errs, 2)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "good", result.Checks[0].Name)

	_, errs = Load(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoad_NoChecksDefined(t *testing.T) {
	dir := writeChecks(t, "empty.cue", `other: 1`)

	_, errs := Load(dir, LoadModeFailFast)
	require.NotEmpty(t, errs)
}

func TestCommandLine_Quoting(t *testing.T) {
	cases := []struct {
		name string
		argv []string
		want string
	}{
		{"plain", []string{"go", "test", "./..."}, "go test ./..."},
		{"spaces", []string{"grep", "two words", "file.txt"}, "grep 'two words' file.txt"},
		{"single quote", []string{"echo", "it's"}, `echo 'it'\''s'`},
		{"dollar", []string{"echo", "$HOME"}, "echo '$HOME'"},
		{"empty arg", []string{"printf", ""}, "printf ''"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Check{Command: tc.argv}
			assert.Equal(t, tc.want, c.CommandLine())
		})
	}
}
