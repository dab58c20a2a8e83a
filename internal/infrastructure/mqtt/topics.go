package mqtt

import "strings"

// DefaultTopicPrefix is used when mqtt.topic_prefix is empty.
const DefaultTopicPrefix = "dispenser"

// Topics builds the relay's topic names under a common prefix.
//
//	<prefix>/status              retained online/offline (LWT)
//	<prefix>/state/frequency     retained {"intervalMs": n}
//	<prefix>/event/opening       {"nb_ouv": n, "date_ouv": "YYYY-MM-DD"}
//	<prefix>/command/frequency   inbound {"minutes": n}
//	<prefix>/report/daily        retained previous-day total
type Topics struct {
	prefix string
}

// NewTopics returns builders rooted at prefix. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root segment.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

func (t Topics) join(parts ...string) string {
	return t.Prefix() + "/" + strings.Join(parts, "/")
}

// Status is the relay's presence topic.
func (t Topics) Status() string { return t.join("status") }

// FrequencyState carries the current interval.
func (t Topics) FrequencyState() string { return t.join("state", "frequency") }

// OpeningEvent carries each recorded opening.
func (t Topics) OpeningEvent() string { return t.join("event", "opening") }

// FrequencyCommand is where other systems ask for a new interval.
func (t Topics) FrequencyCommand() string { return t.join("command", "frequency") }

// DailyReport carries the previous day's opening total.
func (t Topics) DailyReport() string { return t.join("report", "daily") }
