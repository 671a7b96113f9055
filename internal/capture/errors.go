package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission indicates the input device was denied or unavailable
	ErrPermission = errors.New("microphone permission denied or device unavailable")

	// ErrSessionBusy is returned when a capture is already in progress
	ErrSessionBusy = errors.New("capture session busy")
)

// PermissionError wraps the device error that made Start fail
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return ErrPermission.Error()
	}
	return fmt.Sprintf("%s: %v", ErrPermission.Error(), e.Err)
}

// Is reports ErrPermission so callers can match with errors.Is
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermission
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}
