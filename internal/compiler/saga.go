package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/govexec/internal/saga"
)

// Option configures compilation.
type Option func(*options)

type options struct {
	defaultMaxRetries int
}

// WithDefaultMaxRetries sets max_retries for steps that do not declare it.
func WithDefaultMaxRetries(n int) Option {
	return func(o *options) { o.defaultMaxRetries = n }
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CompileSaga parses a CUE value into a validated saga.Definition.
//
// The value is the saga struct itself:
//
//	saga: transfer: {
//		steps: [
//			{id: "debit", type: "state.put", compensation_type: "state.delete", max_retries: 2},
//			{id: "credit", type: "state.put", depends_on: ["debit"]},
//		]
//	}
//
// The saga name is the `name` field when present, otherwise the struct label.
func CompileSaga(v cue.Value, opts ...Option) (saga.Definition, error) {
	if err := v.Err(); err != nil {
		return saga.Definition{}, formatCUEError(err)
	}
	o := newOptions(opts)

	var def saga.Definition
	nameVal := v.LookupPath(cue.ParsePath("name"))
	if nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return saga.Definition{}, formatCUEError(err)
		}
		def.Name = name
	} else if sels := v.Path().Selectors(); len(sels) > 0 {
		def.Name = labelName(sels[len(sels)-1])
	}
	if def.Name == "" {
		return saga.Definition{}, &CompileError{Field: "name", Message: "saga name is required", Pos: v.Pos()}
	}

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return saga.Definition{}, &CompileError{
			Field:   "steps",
			Message: fmt.Sprintf("saga %s: steps are required", def.Name),
			Pos:     v.Pos(),
		}
	}
	steps, err := parseSteps(stepsVal, o)
	if err != nil {
		return saga.Definition{}, err
	}
	def.Steps = steps

	if err := def.Validate(); err != nil {
		return saga.Definition{}, &CompileError{
			Field:   "saga." + def.Name,
			Message: err.Error(),
			Pos:     v.Pos(),
			Err:     err,
		}
	}
	return def, nil
}

func parseSteps(v cue.Value, o options) ([]saga.StepDef, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []saga.StepDef
	for i := 0; iter.Next(); i++ {
		stepVal := iter.Value()
		field := fmt.Sprintf("steps[%d]", i)

		st := saga.StepDef{MaxRetries: o.defaultMaxRetries}
		if st.ID, err = requiredString(stepVal, "id", field); err != nil {
			return nil, err
		}
		field = "step." + st.ID
		if st.Type, err = requiredString(stepVal, "type", field); err != nil {
			return nil, err
		}
		if st.CompensationType, err = optionalString(stepVal, "compensation_type"); err != nil {
			return nil, err
		}

		retriesVal := stepVal.LookupPath(cue.ParsePath("max_retries"))
		if retriesVal.Exists() {
			n, err := retriesVal.Int64()
			if err != nil {
				return nil, &CompileError{
					Field:   field + ".max_retries",
					Message: "max_retries must be an integer",
					Pos:     retriesVal.Pos(),
				}
			}
			st.MaxRetries = int(n)
		}

		depsVal := stepVal.LookupPath(cue.ParsePath("depends_on"))
		if depsVal.Exists() {
			depIter, err := depsVal.List()
			if err != nil {
				return nil, formatCUEError(err)
			}
			for depIter.Next() {
				dep, err := depIter.Value().String()
				if err != nil {
					return nil, formatCUEError(err)
				}
				st.DependsOn = append(st.DependsOn, dep)
			}
		}

		inputVal := stepVal.LookupPath(cue.ParsePath("input"))
		if inputVal.Exists() {
			input, err := decodeInput(inputVal, field)
			if err != nil {
				return nil, err
			}
			st.Input = input
		}

		steps = append(steps, st)
	}
	return steps, nil
}

// decodeInput exports a concrete CUE struct as a JSON object. Numbers
// decode as float64, the same as WAL payloads.
func decodeInput(v cue.Value, field string) (map[string]any, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &CompileError{
			Field:   field + ".input",
			Message: "input must be a struct",
			Pos:     v.Pos(),
		}
	}
	return m, nil
}

func requiredString(v cue.Value, name, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field + "." + name,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func labelName(sel cue.Selector) string {
	s := sel.String()
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *CompileError) Unwrap() error { return e.Err }

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Report the first error that carries a position.
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
			Err:     err,
		}
	}
	return err
}

// IsCompileError reports whether err came from the compiler.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
