package models

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("...: %w", Err...)
// and test with errors.Is.
var (
	// ErrValidation is returned before any remote call when required text is empty.
	ErrValidation = errors.New("validation failed")
	// ErrPermission is returned when the acting user may not perform an owner-only operation.
	ErrPermission = errors.New("permission denied")
	// ErrTransient covers network, auth and availability failures of the store.
	ErrTransient = errors.New("store unavailable")
	// ErrNotFound is returned when the mutation target no longer exists.
	ErrNotFound = errors.New("not found")
)
