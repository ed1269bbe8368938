package agent

import "errors"

var (
	// ErrMalformedRequest rejects a request before the loop starts,
	// e.g. one without a user message.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrInvalidToolArguments reports arguments that could not be
	// parsed. It is recovered locally: the tool runs with an empty
	// object.
	ErrInvalidToolArguments = errors.New("invalid tool arguments")
)
