package composite

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks invalid or missing algorithm configuration.
var ErrConfiguration = errors.New("configuration error")

// ConfigError reports a problem with an algorithm name or one of its
// parameters. It is always raised before any pixel is processed.
type ConfigError struct {
	Algorithm string
	Param     string
	Err       error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Param != "":
		return fmt.Sprintf("algorithm %q: parameter %q: %v", e.Algorithm, e.Param, e.Err)
	case e.Algorithm != "":
		return fmt.Sprintf("algorithm %q: %v", e.Algorithm, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }
