package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrGenerationFailure means no well-formed QA set could be generated.
	// Fatal to the session.
	ErrGenerationFailure = goerr.New("generation failure")

	// ErrSearchFailure means one memory lookup failed. The evaluator records
	// it as NOT_FOUND and never propagates it.
	ErrSearchFailure = goerr.New("search failure")

	// ErrBuildFailed means the initial memory build failed. Fatal to the
	// session, nothing is evaluated.
	ErrBuildFailed = goerr.New("build failed")

	// ErrReconstructionFailure means rebuild or correction injection failed.
	// The session degrades to its initial summary.
	ErrReconstructionFailure = goerr.New("reconstruction failure")

	// ErrNotSupported is returned for optional capabilities a backend lacks
	ErrNotSupported = goerr.New("not supported")

	ErrInvalidSearchMethod = goerr.New("invalid search method")
)

type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// Classify marks cause as an error of the given kind (one of the sentinels
// above). Both kind and cause stay reachable with errors.Is and errors.As.
func Classify(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &classifiedError{kind: kind, cause: cause}
}
