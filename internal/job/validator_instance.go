package job

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validatorInstance configures and returns the shared validator instance
// used across the job package, mirroring the singleton-with-custom-rules
// pattern used throughout this codebase's config validation.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("step_id", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || stepIDPattern.MatchString(s)
		})

		validateInst = v
	})

	return validateInst
}

// GetValidator returns the configured validator instance for use outside
// the job package.
func GetValidator() *validator.Validate {
	return validatorInstance()
}
