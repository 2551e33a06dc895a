package service

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("user already exist")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpired            = errors.New("token expired")
	ErrAlreadyConfirmed   = errors.New("email already confirmed")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrSamePassword       = errors.New("new password must differ from the old one")
	ErrValidation         = errors.New("validation failed")
	ErrDeliveryFailed     = errors.New("notification delivery failed")
	ErrRoleUnresolved     = errors.New("user must have exactly one role")
)

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "already_confirmed"
	case errors.Is(err, ErrEmailNotConfirmed):
		return "email_not_confirmed"
	case errors.Is(err, ErrSamePassword):
		return "same_password"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "internal"
	}
}
