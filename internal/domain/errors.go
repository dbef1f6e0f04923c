package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidModel        = errors.New("invalid model")
	ErrEmptyPrompt         = errors.New("prompt is required")
	ErrTooManyReferences   = errors.New("too many reference images")
	ErrReferenceTooLarge   = errors.New("reference image too large")
	ErrInvalidReferenceURL = errors.New("invalid reference image url")
	ErrInsufficientCredits = errors.New("insufficient credits")
)
