package model

import (
	"encoding/json"
	"time"
)

// Participant roles.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleOwner  = "owner"
)

// CanEdit reports whether a role may emit edit operations.
func CanEdit(role string) bool {
	return role == RoleEditor || role == RoleOwner
}

// Inbound and outbound collaboration message types.
const (
	MsgConnectionEstablished = "connection_established"
	MsgJoinSession           = "join_session"
	MsgLeaveSession          = "leave_session"
	MsgCursorPosition        = "cursor_position"
	MsgEditOperation         = "edit_operation"
	MsgComment               = "comment"
	MsgPong                  = "pong"
	MsgPing                  = "ping"
	MsgUserJoined            = "user_joined"
	MsgUserLeft              = "user_left"
	MsgSessionUpdate         = "session_update"
	MsgValidationResult      = "validation_result"
	MsgError                 = "error"
)

// Shared session statuses.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// CollabMessage is the envelope of every message exchanged over the
// real-time channel.
type CollabMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CursorPosition is the editor cursor state of a participant.
type CursorPosition struct {
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Field  string `json:"field,omitempty"`
}

// ParticipantSnapshot is the persisted view of one session participant.
type ParticipantSnapshot struct {
	UserID       string          `json:"userId"`
	Name         string          `json:"name"`
	Role         string          `json:"role"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
}

// SharedSession is the persisted record of a collaboration session and the
// shared workflow it belongs to.
type SharedSession struct {
	ID               string                `json:"id"`
	SharedWorkflowID string                `json:"sharedWorkflowId"`
	OwnerID          string                `json:"ownerId"`
	Collaborators    map[string]string     `json:"collaborators,omitempty"`
	Participants     []ParticipantSnapshot `json:"participants,omitempty"`
	Status           string                `json:"status"`
	StartedAt        time.Time             `json:"startedAt"`
	EndedAt          *time.Time            `json:"endedAt,omitempty"`
}

// SessionActivity is one entry of a session's activity log.
type SessionActivity struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
