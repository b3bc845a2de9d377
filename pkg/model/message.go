package model

import "time"

type MessageType string

const TypeText MessageType = "text"

// Message is a chat message as stored in a room's history. It is never
// modified once appended.
type Message struct {
	ID        int64       `json:"id"`
	Room      string      `json:"room"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}
