// Package devicelink talks to the dispenser firmware over a serial line.
//
// The device speaks newline-delimited ASCII:
//
//	device -> host   FREQ_UPDATE:<ms>    interval now in effect
//	device -> host   LOG_OUVERTURE       the dispenser opened
//	host -> device   FREQ:<ms>           request a new interval
//
// A Link acquires the port once, reads it with a single goroutine and
// exposes the result as a channel of raw lines (Lines) or parsed events
// (Events). Anything the parser does not recognise is logged and dropped.
package devicelink
