package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds how many deliveries are retained (default 500).
	Keep int
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

// Delivery records one relayed post.
type Delivery struct {
	At      time.Time `json:"at"`
	PostID  string    `json:"post_id"`
	Handle  string    `json:"handle"`
	Channel string    `json:"channel"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Manual  bool      `json:"manual,omitempty"`
	Error   string    `json:"error,omitempty"`
}
