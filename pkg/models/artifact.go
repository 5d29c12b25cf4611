package models

import "time"

// Artifact is a generated output together with the prompt that produced it.
// Artifacts are append-only; nothing updates or deletes them.
type Artifact struct {
	ID        string    `json:"id" bson:"_id"`
	ChatID    string    `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	Prompt    string    `json:"prompt" bson:"prompt"`
	Payload   string    `json:"payload" bson:"image"`
	CreatedAt time.Time `json:"created_at" bson:"timestamp"`
}
