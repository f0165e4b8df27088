package conntable

import "errors"

var (
	// ErrFull is returned by Add when every slot is in use
	ErrFull = errors.New("conntable: table full")

	// ErrExists is returned by Add for a handle that already has a record
	ErrExists = errors.New("conntable: handle already present")

	// ErrNotFound is returned for handles without a record
	ErrNotFound = errors.New("conntable: handle not found")

	// ErrInvalidHandle is returned when adding the unused-slot sentinel
	ErrInvalidHandle = errors.New("conntable: invalid handle")
)
