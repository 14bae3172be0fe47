package corecfg

// Validator is implemented by every configuration group that can check its
// own values.
type Validator interface {
	// Validate returns an error if the configuration is invalid.
	Validate() error
}

// Validate runs each validator in order and returns the first error.
func Validate(validators ...Validator) error {
	for _, validator := range validators {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	return nil
}
