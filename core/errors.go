package core

import "github.com/pkg/errors"

// Error classes surfaced by program construction. Detection sites wrap one of
// these with context; callers match with errors.Is.
var (
	// ErrShape reports tensor dimensions that are not tile aligned or not rank 4.
	ErrShape = errors.New("shape error")

	// ErrConfiguration reports an unsupported operator configuration, such as
	// an unknown reduce dimension or a circular buffer index collision.
	ErrConfiguration = errors.New("configuration error")

	// ErrAllocation reports a request for more device memory than is available.
	ErrAllocation = errors.New("allocation error")

	// ErrEnvironment reports a missing runtime precondition.
	ErrEnvironment = errors.New("environment precondition")
)
