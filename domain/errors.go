package domain

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthorization  = errors.New("not a member of this group")
	ErrNotFound       = errors.New("not found")
	ErrTransientStore = errors.New("store unavailable")
)

// ErrorCode maps an error onto the code carried by operationError events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientStore):
		return "store_unavailable"
	default:
		return "internal"
	}
}
