package devicelink

import (
	"fmt"
	"strconv"
	"strings"
)

// Line prefixes and literals spoken by the device firmware.
const (
	frequencyUpdatePrefix = "FREQ_UPDATE:"
	openingLiteral        = "LOG_OUVERTURE"
	frequencyCommandFmt   = "FREQ:%d"
)

// Event is a recognised line from the device.
type Event interface {
	// Kind returns a short label used for logging and metrics.
	Kind() string
}

// FrequencyUpdated reports the interval the device is now running with.
type FrequencyUpdated struct {
	IntervalMs int64
}

// Kind implements Event.
func (FrequencyUpdated) Kind() string { return "frequency_update" }

// DeviceOpened reports that the dispenser has just opened.
type DeviceOpened struct{}

// Kind implements Event.
func (DeviceOpened) Kind() string { return "opening" }

// Parse classifies a raw line.
//
// Surrounding whitespace is trimmed and prefixes are matched
// case-sensitively. A FREQ_UPDATE line whose value is not a base-10
// integer is not an event. Unrecognised lines return ok == false and are
// never an error.
func Parse(line string) (ev Event, ok bool) {
	cleaned := strings.TrimSpace(line)

	if rest, found := strings.CutPrefix(cleaned, frequencyUpdatePrefix); found {
		ms, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return nil, false
		}
		return FrequencyUpdated{IntervalMs: ms}, true
	}

	if cleaned == openingLiteral {
		return DeviceOpened{}, true
	}

	return nil, false
}

// FrequencyCommand formats the command that sets the device interval.
func FrequencyCommand(intervalMs int64) string {
	return fmt.Sprintf(frequencyCommandFmt, intervalMs)
}
