package domain

import "time"

// BroadcasterEntry is the directory projection of a broadcaster
// connection. It exists iff the underlying connection is live.
type BroadcasterEntry struct {
	ID           ConnID    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	Available    bool      `json:"available"`
}

// ViewerEntry is the directory projection of a viewer connection.
type ViewerEntry struct {
	ID           ConnID    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}
