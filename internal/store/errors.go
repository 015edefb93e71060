package store

import "errors"

var (
	ErrDuplicateAdmission = errors.New("ticket already admitted")
	ErrInvalidOutcome     = errors.New("invalid attempt outcome")
	ErrUnavailable        = errors.New("verification store unavailable")
)
