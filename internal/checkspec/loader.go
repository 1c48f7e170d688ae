package checkspec

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/runledger/runledger/internal/record"
)

//go:embed schema.cue
var schemaSource string

// LoadMode controls how errors are handled during check loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the checks loaded from a directory.
type LoadResult struct {
	Checks    []Check
	FileCount int
}

// LoadError is an error from check loading, with the CUE source position
// when one is available.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants.
const (
	ErrCodeGeneric     = "C001" // Generic/unknown error
	ErrCodeNotFound    = "C002" // Path not found
	ErrCodeNoFiles     = "C003" // No CUE files found
	ErrCodeLoadFailed  = "C004" // CUE load failed
	ErrCodeBuildFailed = "C005" // CUE build failed
	ErrCodeSchema      = "C006" // Definition violates the check schema
	ErrCodeField       = "C007" // Field value unusable
)

// Load reads all CUE files under dir, validates them against the check
// schema, and returns the defined checks sorted by name. If mode is
// LoadModeFailFast it returns on the first error; LoadModeCollectAll
// gathers every error before returning.
func Load(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("check directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("accessing check directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("compiling check schema: %v", err)}}
	}

	// Files are named explicitly so package-less definitions load as one
	// instance.
	args := make([]string, len(files))
	for i, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			rel = f
		}
		args[i] = rel
	}
	instances := load.Instances(args, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{positioned(ErrCodeBuildFailed, err)}
	}

	merged := schema.Unify(value)
	if err := merged.Validate(); err != nil {
		return nil, []error{positioned(ErrCodeSchema, err)}
	}

	result := &LoadResult{FileCount: len(files)}
	var errs []error

	checksVal := merged.LookupPath(cue.ParsePath("check"))
	if !checksVal.Exists() {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no checks defined"})
		return result, errs
	}

	iter, iterErr := checksVal.Fields()
	if iterErr != nil {
		return result, []error{positioned(ErrCodeGeneric, iterErr)}
	}
	for iter.Next() {
		check, err := compileCheck(iter.Label(), iter.Value())
		if err != nil {
			errs = append(errs, err)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Checks = append(result.Checks, check)
	}

	sort.Slice(result.Checks, func(i, j int) bool {
		return result.Checks[i].Name < result.Checks[j].Name
	})
	if len(result.Checks) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no checks defined"})
	}
	return result, errs
}

// compileCheck parses one validated check struct field by field. Defaults
// declared in the schema resolve during lookup.
func compileCheck(name string, v cue.Value) (Check, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Check{}, positioned(ErrCodeSchema, err)
	}

	check := Check{Name: name}

	description, err := v.LookupPath(cue.ParsePath("description")).String()
	if err != nil {
		return Check{}, fieldError(name, "description", v, err)
	}
	check.Description = description

	categoryStr, err := v.LookupPath(cue.ParsePath("category")).String()
	if err != nil {
		return Check{}, fieldError(name, "category", v, err)
	}
	check.Category = record.AssertionCategory(categoryStr)

	cmdIter, err := v.LookupPath(cue.ParsePath("command")).List()
	if err != nil {
		return Check{}, fieldError(name, "command", v, err)
	}
	for cmdIter.Next() {
		arg, err := cmdIter.Value().String()
		if err != nil {
			return Check{}, fieldError(name, "command", v, err)
		}
		check.Command = append(check.Command, arg)
	}

	if timeoutVal := v.LookupPath(cue.ParsePath("timeout")); timeoutVal.Exists() {
		raw, err := timeoutVal.String()
		if err != nil {
			return Check{}, fieldError(name, "timeout", v, err)
		}
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Check{}, fieldError(name, "timeout", v, err)
		}
		check.Timeout = timeout
	}

	exitCode, err := v.LookupPath(cue.ParsePath("expected_exit")).Int64()
	if err != nil {
		return Check{}, fieldError(name, "expected_exit", v, err)
	}
	check.ExpectedExit = int(exitCode)

	if containsVal := v.LookupPath(cue.ParsePath("output_contains")); containsVal.Exists() {
		contains, err := containsVal.String()
		if err != nil {
			return Check{}, fieldError(name, "output_contains", v, err)
		}
		check.OutputContains = contains
	}

	return check, nil
}

func fieldError(check, field string, v cue.Value, err error) *LoadError {
	return &LoadError{
		Code:    ErrCodeField,
		Message: fmt.Sprintf("check %q field %s: %v", check, field, err),
		Pos:     v.Pos(),
	}
}

// positioned wraps a CUE error, keeping the first source position it
// carries.
func positioned(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return le
	}
	le.Message = errs[0].Error()
	if positions := cueerrors.Positions(errs[0]); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
