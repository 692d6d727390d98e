package v1

// UserMessage is an incoming chat message consumed from the chat:incoming stream.
// Whitelist enforcement happens in the transport; user_id is trusted here.
type UserMessage struct {
	UserID        int64  `json:"user_id"`
	ChatID        int64  `json:"chat_id"`
	MessageID     int64  `json:"message_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id"`
}

// OutgoingMessage is published to the chat:outgoing stream for delivery
// by the chat transport.
type OutgoingMessage struct {
	UserID        int64  `json:"user_id"`
	ChatID        int64  `json:"chat_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id"`
}
