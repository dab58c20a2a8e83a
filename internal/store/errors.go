package store

import "errors"

// Domain errors for the store package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // no frequency has ever been set
//	}
var (
	// ErrNotFound is returned when the frequency setting has never been written.
	ErrNotFound = errors.New("store: not found")

	// ErrPersistence is returned when the underlying database fails or the
	// query timeout expires.
	ErrPersistence = errors.New("store: persistence failure")

	// ErrInvalidFrequency is returned for intervals outside 60000..86400000 ms.
	ErrInvalidFrequency = errors.New("store: invalid frequency")

	// ErrInvalidDate is returned when a date is not formatted YYYY-MM-DD.
	ErrInvalidDate = errors.New("store: invalid date")
)
