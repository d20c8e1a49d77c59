package config

import "github.com/joomcode/errorx"

var (
	ErrNamespace = errorx.NewNamespace("config")
	// MissingKey is returned when no source provides a required key.
	MissingKey = ErrNamespace.NewType("missing_key", errorx.NotFound())
	// InvalidValue is returned when a value has the wrong type or fails validation.
	InvalidValue = ErrNamespace.NewType("invalid_value")
	// ReadFailed is returned when the configuration file cannot be read or decoded.
	ReadFailed = ErrNamespace.NewType("read_failed")
)
