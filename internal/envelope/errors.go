package envelope

import "errors"

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrOutOfOrder             = errors.New("recipient acted out of signing order")
	ErrAlreadyDecided         = errors.New("recipient already decided")
	ErrAlreadyDispatched      = errors.New("envelope already dispatched")
	ErrEnvelopeClosed         = errors.New("envelope closed")
	ErrExpired                = errors.New("envelope expired")
	ErrEmptyRecipientList     = errors.New("envelope has no signer or approver")
	ErrAuthenticationRequired = errors.New("authenticated decision required")
	ErrReassignNotAllowed     = errors.New("reassignment not allowed")
	ErrRecipientNotFound      = errors.New("recipient not found")
)
