package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateInput runs the input's struct validation and classifies any failure
// as ErrInvalidRequest so hosts can report it as a caller error.
func ValidateInput(in interface{ Validate() error }) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
