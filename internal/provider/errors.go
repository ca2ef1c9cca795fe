package provider

import "errors"

var (
	// ErrProviderNotFound is returned when no provider is registered for an id.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrAuthentication is returned when no credential env var is set.
	ErrAuthentication = errors.New("provider authentication failed")
	// ErrCommandNotFound is returned when a CLI provider's command is not on PATH.
	ErrCommandNotFound = errors.New("provider command not found")
	// ErrRuntime is returned when a provider produced no usable output.
	ErrRuntime = errors.New("provider returned no usable output")
	// ErrUnsupportedAction is returned for operations a provider does not
	// advertise, such as authenticate on a key-only HTTP provider.
	ErrUnsupportedAction = errors.New("provider does not support this action")
)
