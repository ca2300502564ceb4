package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidScope     = errors.New("invalid scope: anonymous scope requires a browser session id")
	ErrNoMailbox        = errors.New("no active mailbox")
	ErrMessageNotFound  = errors.New("message not found")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrSubscriberExists = errors.New("subscriber already registered")
	ErrLicenseNotFound  = errors.New("license key not found")
)
