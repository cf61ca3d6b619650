package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"climdex/internal/frequency"
	"climdex/internal/percentile"
	"climdex/internal/threshold"
	"climdex/internal/types"
	"climdex/internal/units"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every rejected field of one struct.
type ValidationResult struct {
	Errors []ValidationError `json:"errors,omitempty"`
}

// IsValid reports whether no field was rejected.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator wraps go-playground/validator with the climdex domain tags:
//
//	frequency      - a known sampling frequency name or alias
//	interpolation  - a known percentile interpolation rule
//	unit           - a known unit spelling
//
// Operators are not checked here: an unknown operator resolves to reach
// unless the threshold is built with a strict operator.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator builds a Validator that reports JSON field names.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("frequency", validateFrequency)
	_ = v.RegisterValidation("interpolation", validateInterpolation)
	_ = v.RegisterValidation("unit", validateUnit)

	return &Validator{validate: v, logger: logger}
}

// Check validates s and returns every rejected field.
func (v *Validator) Check(s any) (ValidationResult, error) {
	err := v.validate.Struct(s)
	if err == nil {
		return ValidationResult{}, nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return ValidationResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "validator received a non-struct value", err)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	result := ValidationResult{Errors: make([]ValidationError, 0, len(verrs))}
	for _, fe := range verrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath(fe),
			Code:    string(tagToErrorCode(fe.Tag())),
			Message: fieldMessage(fe),
		})
	}
	return result, nil
}

// ValidateStruct validates s and folds every rejected field into one
// AppError. The first rejected field selects the error code; all of them are
// listed under details["fields"].
func (v *Validator) ValidateStruct(s any) error {
	result, err := v.Check(s)
	if err != nil {
		return err
	}
	if result.IsValid() {
		return nil
	}

	first := result.Errors[0]
	if v.logger != nil {
		v.logger.Debug("request validation failed", "fields", len(result.Errors), "first", first.Field)
	}
	return types.NewAppErrorWithDetails(
		types.ErrorCode(first.Code),
		first.Message,
		nil,
		map[string]any{"fields": result.Errors},
	)
}

// fieldPath strips the top-level struct name from the namespace so clients
// see "params.window" rather than "describeRequest.params.window".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required", "required_without", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "frequency":
		return fmt.Sprintf("%s: unknown frequency %q", field, fe.Value())
	case "interpolation":
		return fmt.Sprintf("%s: unknown interpolation %q", field, fe.Value())
	case "unit":
		return fmt.Sprintf("%s: unknown unit %q", field, fe.Value())
	case "len":
		return fmt.Sprintf("%s must have exactly %s elements", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	}
}

// tagToErrorCode maps a validation tag to the API error code clients see.
func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "frequency":
		return types.ErrCodeValidationInvalidFrequency
	case "interpolation":
		return types.ErrCodeValidationInvalidInterpolation
	case "unit":
		return types.ErrCodeValidationUnknownUnit
	case "required", "required_without", "required_with":
		return types.ErrCodeValidationMissingField
	default:
		return types.ErrCodeValidationInvalidQuery
	}
}

func validateFrequency(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := frequency.Lookup(s)
	return err == nil
}

func validateInterpolation(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, ok := percentile.LookupInterpolation(s)
	return ok
}

// validateUnit accepts the percentile pseudo-units alongside physical units.
func validateUnit(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || s == threshold.PeriodPercentileUnit || s == threshold.DoyPercentileUnit {
		return true
	}
	return units.Known(s)
}
