package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/govexec/internal/saga"
)

// Validation error codes (E100-E199)
const (
	ErrSagaNameEmpty       = "E101" // saga name is required
	ErrSagaNoSteps         = "E102" // at least one step required
	ErrStepIDEmpty         = "E103" // step id is required
	ErrDuplicateStepID     = "E104" // step ids are unique
	ErrStepTypeEmpty       = "E105" // step type is required
	ErrUnknownStepType     = "E106" // step type has no registered action
	ErrUnknownCompensation = "E107" // compensation type has no registered action
	ErrNegativeRetries     = "E108" // max_retries must be >= 0
	ErrUnknownDependency   = "E109" // depends_on names an unknown step
	ErrDependencyCycle     = "E110" // depends_on graph has a cycle
)

// ValidationError represents a saga definition problem.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ActionLookup resolves step and compensation types. *saga.ActionRegistry
// implements it.
type ActionLookup interface {
	Lookup(name string) (saga.Action, bool)
}

// Validate checks def against the registered actions and returns every
// problem found (does not fail-fast). A nil actions skips the type checks.
func Validate(def saga.Definition, actions ActionLookup) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "saga name is required",
			Code:    ErrSagaNameEmpty,
		})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "at least one step is required",
			Code:    ErrSagaNoSteps,
		})
		return errs
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, st := range def.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if st.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "step id is required", Code: ErrStepIDEmpty})
		} else {
			field = "step." + st.ID
			if ids[st.ID] {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("duplicate step id %q", st.ID),
					Code:    ErrDuplicateStepID,
				})
			}
			ids[st.ID] = true
		}

		if st.Type == "" {
			errs = append(errs, ValidationError{Field: field + ".type", Message: "step type is required", Code: ErrStepTypeEmpty})
		} else if actions != nil {
			if _, ok := actions.Lookup(st.Type); !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".type",
					Message: fmt.Sprintf("no action registered for %q", st.Type),
					Code:    ErrUnknownStepType,
				})
			}
		}
		if st.CompensationType != "" && actions != nil {
			if _, ok := actions.Lookup(st.CompensationType); !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".compensation_type",
					Message: fmt.Sprintf("no action registered for %q", st.CompensationType),
					Code:    ErrUnknownCompensation,
				})
			}
		}
		if st.MaxRetries < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".max_retries",
				Message: "max_retries must be >= 0",
				Code:    ErrNegativeRetries,
			})
		}
	}

	depsOK := true
	for _, st := range def.Steps {
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				depsOK = false
				errs = append(errs, ValidationError{
					Field:   "step." + st.ID + ".depends_on",
					Message: fmt.Sprintf("unknown step %q", dep),
					Code:    ErrUnknownDependency,
				})
			}
		}
	}

	// Cycle detection needs a well-formed graph.
	if len(errs) == 0 && depsOK {
		var cycle *saga.CycleError
		if err := def.Validate(); errors.As(err, &cycle) {
			errs = append(errs, ValidationError{
				Field:   "depends_on",
				Message: "dependency cycle " + strings.Join(cycle.Path, " -> "),
				Code:    ErrDependencyCycle,
			})
		}
	}
	return errs
}
