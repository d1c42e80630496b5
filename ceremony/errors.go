package ceremony

import "errors"

var (
	// ErrNotFound indicates an unknown token, session, item or persona.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPhase indicates a phase outside the session kind's allowed set,
	// or an action the current phase does not permit.
	ErrInvalidPhase = errors.New("invalid phase")
	// ErrPhaseMismatch indicates a public retro item whose type does not match
	// the current phase.
	ErrPhaseMismatch = errors.New("item type does not match current phase")
	// ErrSessionClosed indicates the session is closed and accepts no mutations.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyClaimed indicates another client holds the persona or display name.
	ErrAlreadyClaimed = errors.New("identity already claimed")
	// ErrInvalidVoteValue indicates a vote outside the allowed card deck.
	ErrInvalidVoteValue = errors.New("invalid vote value")
	// ErrValidationFailed indicates a missing or malformed required field.
	ErrValidationFailed = errors.New("validation failed")
)
