package runtime

import "errors"

var (
	ErrUnitNotFound = errors.New("unit not found in runtime")

	ErrCreateFailed = errors.New("failed to create unit")

	ErrImagePullFailed = errors.New("failed to pull image")
)
