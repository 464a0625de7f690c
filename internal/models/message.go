package models

import "time"

// Message is the client-facing representation of one conversation entry. Server messages are derived from
// events on every poll; pending messages are created locally and kept until a server twin corroborates them.
type Message struct {
	ID      string
	Role    Role
	Content string
	Agent   string
	Sources []Source
	Status  Status

	Timestamp time.Time
	// CreatedAt would be filled for locally created messages. It drives pending expiry.
	CreatedAt time.Time
}

// Role represents the role of a message participant.
type Role string

// Status is the local confirmation state of a message. Server derived messages have an empty status.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleModel represents a message produced by an agent.
	RoleModel Role = "model"

	// StatusPending marks a message submitted locally and not yet seen on the server.
	StatusPending Status = "pending"
	// StatusFailed marks a pending message that was not confirmed in time.
	StatusFailed Status = "failed"
	// StatusError marks a synthetic message reporting a local failure. It never has a server twin.
	StatusError Status = "error"
)

// Pending reports whether the message is still waiting for its server twin.
func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// Local reports whether the message is client owned rather than derived from a server event.
func (m Message) Local() bool {
	return m.Status == StatusPending || m.Status == StatusFailed || m.Status == StatusError
}

// EventTime converts a raw backend timestamp into a time. Values of at least 1e12 are epoch milliseconds,
// smaller values are epoch seconds with a fractional part.
func EventTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	if ts >= 1e12 {
		return time.UnixMilli(int64(ts))
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
