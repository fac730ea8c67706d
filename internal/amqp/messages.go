package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecomputeMessage asks a worker to recompute everything derived from
// instants at or after From. The worker reads the ledger itself; the message
// carries no transaction data.
type RecomputeMessage struct {
	From      time.Time `json:"from"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRecomputeMessage(from time.Time, reason string) *RecomputeMessage {
	return &RecomputeMessage{
		From:      from.UTC(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

func (m *RecomputeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RecomputeMessageFromJSON decodes a message body. A zero From is rejected.
func RecomputeMessageFromJSON(data []byte) (*RecomputeMessage, error) {
	var msg RecomputeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.From.IsZero() {
		return nil, fmt.Errorf("recompute message without from instant")
	}
	return &msg, nil
}
