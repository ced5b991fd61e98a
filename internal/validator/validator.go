package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"cmdrelay/internal/types"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator represents a validator instance
type Validator struct {
	validate *validator.Validate
}

// New creates a new validator instance
func New() *Validator {
	once.Do(func() {
		validate = validator.New()

		// Register custom validation functions
		_ = validate.RegisterValidation("action_kind", validateActionKind)
		_ = validate.RegisterValidation("access_code", validateAccessCode)
		_ = validate.RegisterValidation("client_type", validateClientType)

		// Use JSON tag names in error messages
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			}
			return name
		})
	})

	return &Validator{
		validate: validate,
	}
}

// Struct validates a struct
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			return fmt.Errorf("invalid validation error: %w", err)
		}

		var errMsgs []string
		for _, err := range err.(validator.ValidationErrors) {
			errMsgs = append(errMsgs, formatError(err))
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errMsgs, "; "))
	}
	return nil
}

// Var validates a single variable
func (v *Validator) Var(field any, tag string) error {
	return v.validate.Var(field, tag)
}

// Engine returns the underlying validator engine
func (v *Validator) Engine() any {
	return v.validate
}

// formatError formats a validation error
func formatError(err validator.FieldError) string {
	field := err.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, err.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, err.Param())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, err.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "action_kind":
		return fmt.Sprintf("%s must be a supported action kind", field)
	case "access_code":
		return fmt.Sprintf("%s must be a non-empty code without whitespace", field)
	case "client_type":
		return fmt.Sprintf("%s must be agent or web", field)
	default:
		return fmt.Sprintf("%s failed on tag %s", field, err.Tag())
	}
}

func validateActionKind(fl validator.FieldLevel) bool {
	return types.ActionKind(fl.Field().String()).Valid()
}

func validateAccessCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if code == "" || len(code) > 128 {
		return false
	}
	return strings.IndexFunc(code, unicode.IsSpace) < 0
}

func validateClientType(fl validator.FieldLevel) bool {
	return types.ClientType(fl.Field().String()).Valid()
}
