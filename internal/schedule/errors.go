package schedule

import "errors"

var (
	// ErrInvalidExpression is returned for a malformed schedule expression
	ErrInvalidExpression = errors.New("invalid schedule expression")

	// ErrInvalidKind is returned for an unknown schedule kind
	ErrInvalidKind = errors.New("invalid schedule kind")
)
