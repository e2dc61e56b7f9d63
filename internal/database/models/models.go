package models

import "time"

// CallRecord is the history row written when a support call ends.
type CallRecord struct {
	ID         int64      `json:"id"`
	CallID     string     `json:"call_id"`
	GuildID    string     `json:"guild_id"`
	ClientID   string     `json:"client_id"`
	ClientName string     `json:"client_name"`
	AdminID    string     `json:"admin_id,omitempty"`
	AdminName  string     `json:"admin_name,omitempty"`
	RoomID     string     `json:"room_id,omitempty"`
	Outcome    string     `json:"outcome"` // "completed" | "abandoned" | "failed"
	JoinedAt   time.Time  `json:"joined_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at"`
	WaitMS     int64      `json:"wait_ms"`
	TalkMS     int64      `json:"talk_ms"`
}
