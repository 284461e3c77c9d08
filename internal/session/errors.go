package session

import "errors"

// Validation errors. Callers map these to client errors with errors.Is.
var (
	ErrMissingCredential = errors.New("globalSid is required")
	ErrNoTerms           = errors.New("searchTerm is required")
	ErrInvalidSearchType = errors.New("searchType must be article or keyword")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
	ErrChunkMismatch     = errors.New("chunk terms do not match the session")
)

var ErrSessionNotFound = errors.New("session not found")

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrNoTerms) ||
		errors.Is(err, ErrInvalidSearchType) ||
		errors.Is(err, ErrChunkOutOfRange) ||
		errors.Is(err, ErrChunkMismatch)
}
