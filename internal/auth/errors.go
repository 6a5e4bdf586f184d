package auth

import "errors"

// Ceremony and session failures. Handlers collapse login and recovery
// failures into ErrUnauthorized before answering the client.
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeMismatch  = errors.New("challenge mismatch")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrInvalidResponse    = errors.New("malformed passkey response")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLastCredential     = errors.New("cannot remove the last credential")
	ErrCredentialNotFound = errors.New("credential not found")
)
