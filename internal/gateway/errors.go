package gateway

import "errors"

// ErrOutOfRange is returned when a requested frequency is not a whole
// number of minutes between 1 and 1440.
var ErrOutOfRange = errors.New("gateway: frequency out of range")
