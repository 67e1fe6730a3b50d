package ws

import (
	"github.com/nomo-app/backend/internal/progression"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgProgress MessageType = "progress"
	MsgAward    MessageType = "award"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Progress progression.Snapshot `json:"progress"`
}

// ProgressPayload carries the latest state after one or more coalesced
// engine events. Cause is the type of the last of them.
type ProgressPayload struct {
	Progress progression.Snapshot  `json:"progress"`
	Cause    progression.EventType `json:"cause"`
}

type AwardPayload struct {
	Award    progression.AwardResult `json:"award"`
	Progress progression.Snapshot    `json:"progress"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
