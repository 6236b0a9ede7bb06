package hub

import "errors"

var (
	ErrCapacityExceeded = errors.New("maximum number of devices reached")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrInvalidID        = errors.New("invalid device id")
	ErrIDExhausted      = errors.New("could not allocate unique device id")
)
