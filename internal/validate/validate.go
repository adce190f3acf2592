package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// validate is the shared validator instance.
var validate *validator.Validate

var (
	// unixNamePattern follows useradd's NAME_REGEX default.
	unixNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

	// fileModePattern accepts octal modes (644, 0755) and symbolic chmod
	// clauses (u+x, go-w, a=r,u+w).
	fileModePattern = regexp.MustCompile(`^([0-7]{3,4}|[ugoa]*[-+=][rwxXst]*(,[ugoa]*[-+=][rwxXst]*)*)$`)

	// configNamespacePattern matches a git config section name, optionally
	// with dotted subsections made of the same characters.
	configNamespacePattern = regexp.MustCompile(`^[A-Za-z0-9-]+(\.[A-Za-z0-9_-]+)*$`)
)

func init() {
	validate = validator.New()

	validate.RegisterValidation("ulid", validateULID)
	validate.RegisterValidation("unixname", validateUnixName)
	validate.RegisterValidation("filemode", validateFileMode)
	validate.RegisterValidation("gitnamespace", validateGitNamespace)
}

// validateULID validates that a string is a valid ULID.
func validateULID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	_, err := ulid.Parse(value)
	return err == nil
}

func validateUnixName(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return len(value) <= 32 && unixNamePattern.MatchString(value)
}

func validateFileMode(fl validator.FieldLevel) bool {
	return fileModePattern.MatchString(fl.Field().String())
}

func validateGitNamespace(fl validator.FieldLevel) bool {
	return configNamespacePattern.MatchString(fl.Field().String())
}

// Struct validates a struct using the go-playground validator.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return err
	}
	return nil
}

// Var validates a single value against a tag, e.g. Var("mode", "0644", "filemode").
func Var(name string, v any, tag string) error {
	if err := validate.Var(v, tag); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			messages := make([]string, 0, len(validationErrors))
			for _, e := range validationErrors {
				messages = append(messages, formatTag(name, e))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
		}
		return err
	}
	return nil
}

// FileMode reports whether mode is acceptable to chmod.
func FileMode(mode string) error {
	return Var("mode", mode, "required,filemode")
}

// GitNamespace reports whether ns is a usable git config section.
func GitNamespace(ns string) error {
	return Var("namespace", ns, "required,gitnamespace")
}

// formatValidationErrors formats validation errors into a human-readable error.
func formatValidationErrors(errs validator.ValidationErrors) error {
	var messages []string
	for _, e := range errs {
		messages = append(messages, formatTag(toSnakeCase(e.Field()), e))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
}

// formatTag formats a single field error into a human-readable message.
func formatTag(field string, e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "ulid":
		return fmt.Sprintf("%s must be a valid ULID", field)
	case "unixname":
		return fmt.Sprintf("%s must be a valid account name", field)
	case "filemode":
		return fmt.Sprintf("%s must be an octal or symbolic file mode", field)
	case "gitnamespace":
		return fmt.Sprintf("%s must be a git config section name", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r + 32) // Convert to lowercase
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
