package registry

import "errors"

var (
	ErrNotFound = errors.New("unit not found")

	ErrInvalidTransition = errors.New("invalid state transition")

	ErrAlreadyRegistered = errors.New("unit already registered")

	ErrAlreadyAssigned = errors.New("unit already assigned")
)
