package store

import "time"

// Kind distinguishes the two kinds of tracked workshop items.
type Kind string

const (
	KindAddon      Kind = "addon-update"
	KindCollection Kind = "collection-update"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAddon || k == KindCollection
}

// Notification is one tracked subscription within a channel.
//
// LastUpdated is the unix timestamp (seconds) of the newest workshop update
// the bot has already seen for this item. It is nil until the first sweep
// observes the item.
type Notification struct {
	Type        Kind   `json:"type"`
	ID          string `json:"id"`
	LastUpdated *int64 `json:"lastUpdated,omitempty"`
}

// GuildNotifications maps a channel id to its tracked items.
type GuildNotifications map[string][]Notification

// Config configures the persistence backend.
//
// Driver values:
//   - "file": JSON document on disk (default)
//   - "sqlite": SQLite database file (requires the sqlite build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
