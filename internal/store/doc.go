// Package store persists the dispenser state: the current dispense
// interval (a single row) and one opening counter per calendar date.
//
// Counters are incremented with a single INSERT ... ON CONFLICT statement,
// so concurrent openings on the same date never lose an update and the
// date never gets a second row.
package store
