package hub

// Push-channel message types understood by the dashboard.
const (
	TypeUpdateFrequency = "update_frequency"
	TypeUpdateOpening   = "update_ouverture"
)

// Message is a value the hub can fan out.
type Message interface {
	MessageType() string
}

// FrequencyMessage announces the interval now in effect.
type FrequencyMessage struct {
	Type       string `json:"type"`
	IntervalMs int64  `json:"intervalMs"`
}

// NewFrequencyMessage builds an update_frequency message.
func NewFrequencyMessage(intervalMs int64) FrequencyMessage {
	return FrequencyMessage{Type: TypeUpdateFrequency, IntervalMs: intervalMs}
}

// MessageType implements Message.
func (m FrequencyMessage) MessageType() string { return m.Type }

// OpeningMessage announces the new opening count for a date.
type OpeningMessage struct {
	Type  string `json:"type"`
	Count int64  `json:"nb_ouv"`
	Date  string `json:"date_ouv"`
}

// NewOpeningMessage builds an update_ouverture message.
func NewOpeningMessage(count int64, date string) OpeningMessage {
	return OpeningMessage{Type: TypeUpdateOpening, Count: count, Date: date}
}

// MessageType implements Message.
func (m OpeningMessage) MessageType() string { return m.Type }
