// Package utils holds small helpers shared by the command and HTTP layers.
package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "lumina-backend/pkg/errors"
)

var validate = validator.New()

// ValidateStruct checks the validate tags on s and reports every failing
// field as a ValidationErrors.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return pkgerrors.NewValidationError(err.Error())
	}
	out := pkgerrors.NewValidationErrors()
	for _, e := range fieldErrs {
		out.Add(fieldName(e), formatFieldError(e))
	}
	return out
}

func fieldName(e validator.FieldError) string {
	f := e.Field()
	if f == "" {
		return "general"
	}
	return strings.ToLower(f[:1]) + f[1:]
}

// formatFieldError formats a single field validation error
func formatFieldError(e validator.FieldError) string {
	field := fieldName(e)

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, strings.ToLower(e.Param()))
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
