package integration

import "errors"

var (
	// ErrIntegrationNotFound is returned when an integration does not exist
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrNotAssigned is returned when the integration is not visible to the agent
	ErrNotAssigned = errors.New("integration not assigned to agent")

	// ErrDuplicateName is returned when registering a name that already exists
	ErrDuplicateName = errors.New("integration name already exists")

	// ErrInvalidScheme is returned for a malformed auth scheme definition
	ErrInvalidScheme = errors.New("invalid auth scheme")

	// ErrMissingCredentials is returned when required auth fields are absent
	ErrMissingCredentials = errors.New("missing required credentials")
)
