package util

import "errors"

var (
	ErrEmptyContent      = errors.New("document content is empty")
	ErrBinaryContent     = errors.New("document content looks like binary data")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNotFound          = errors.New("not found")
	ErrLeaseLost         = errors.New("job lease lost")

	ErrQuotaExhausted = errors.New("provider quota exhausted")
	ErrRateLimited    = errors.New("provider rate limited")
	ErrTransient      = errors.New("transient provider error")
	ErrPermanent      = errors.New("permanent provider error")
	ErrContextTooLong = errors.New("context too long")
)
