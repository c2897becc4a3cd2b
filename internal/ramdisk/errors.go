package ramdisk

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds          = errors.New("access beyond end of device")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrAllocation           = errors.New("allocation failure")
	ErrDeviceClosed         = errors.New("device closed")
)

// OutOfBoundsError is returned when a transfer would reach past the device capacity.
// No bytes are copied when it is returned.
type OutOfBoundsError struct {
	Offset   int64
	Length   int64
	Capacity int64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("beyond-end access (offset %d, length %d, capacity %d)", e.Offset, e.Length, e.Capacity)
}

func (e *OutOfBoundsError) Unwrap() error {
	return ErrOutOfBounds
}

type AllocationError struct {
	Device string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate device %s: %v", e.Device, e.Err)
}

func (e *AllocationError) Unwrap() []error {
	return []error{ErrAllocation, e.Err}
}

type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid device config %s: %s", e.Field, e.Reason)
}
