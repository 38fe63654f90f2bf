package models

import (
	"encoding/json"
	"time"
)

// AgentEvent is published to the broker for the admin analytics feed.
type AgentEvent struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
