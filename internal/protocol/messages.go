package protocol

import (
	"fmt"
	"time"
)

// Subjects published by the runtime.
const (
	SubjectEventPrefix     = "livevoice.event"
	SubjectRoomStatePrefix = "livevoice.room.state"
	SubjectPopularity      = "livevoice.room.popularity"
	SubjectTTSStatus       = "livevoice.tts.status"
)

// Request/reply subjects served by the runtime.
const (
	SubjectTTSEnqueue      = "livevoice.tts.enqueue"
	SubjectTTSCancel       = "livevoice.tts.cancel"
	SubjectTTSState        = "livevoice.tts.state"
	SubjectRoomSubscribe   = "livevoice.room.subscribe"
	SubjectRoomUnsubscribe = "livevoice.room.unsubscribe"
	SubjectRoomList        = "livevoice.room.list"
)

// EventSubject returns the subject carrying events for roomID.
func EventSubject(roomID int64) string {
	return fmt.Sprintf("%s.%d", SubjectEventPrefix, roomID)
}

// RoomStateSubject returns the subject carrying connection changes for roomID.
func RoomStateSubject(roomID int64) string {
	return fmt.Sprintf("%s.%d", SubjectRoomStatePrefix, roomID)
}

// EnqueueRequest asks the scheduler to speak text.
type EnqueueRequest struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
	RoomID   int64  `json:"room_id,omitempty"`
}

// EnqueueReply reports admission. Error is one of the codes below when the
// job was refused.
type EnqueueReply struct {
	OK     bool   `json:"ok"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Admission error codes.
const (
	ErrCodeDisabled    = "disabled"
	ErrCodeEmptyText   = "empty_text"
	ErrCodeNotReady    = "engine_not_ready"
	ErrCodeQueueFull   = "queue_full"
	ErrCodeBadRequest  = "bad_request"
	ErrCodeUnavailable = "unavailable"
)

// CancelRequest cancels a pending or playing job.
type CancelRequest struct {
	Key string `json:"key"`
}

type CancelReply struct {
	OK bool `json:"ok"`
}

// RoomRequest starts or stops relaying a room.
type RoomRequest struct {
	RoomID int64 `json:"room_id"`
}

// RoomReply lists the rooms relayed after the request was applied.
type RoomReply struct {
	OK    bool    `json:"ok"`
	Rooms []int64 `json:"rooms"`
	Error string  `json:"error,omitempty"`
}

// Popularity is the heartbeat reply value for a room.
type Popularity struct {
	RoomID    int64     `json:"room_id"`
	Value     uint32    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}
