package store

import (
	"context"
	"errors"
	"strings"

	logx "workshopbot/pkg/logx"
)

// Store is the subscription persistence API used by the command surface and
// the poller. Implementations serialize all mutations internally; callers
// never see a partially applied write.
type Store interface {
	// IsTracked reports whether (kind, id) is tracked in the given channel.
	IsTracked(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error)

	// Add appends a new subscription with no LastUpdated. It returns false
	// (and does nothing) when the same (kind, id) is already tracked in the
	// channel. Guild and channel containers are created lazily.
	Add(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error)

	// Remove deletes a subscription and reports whether anything was removed.
	// Emptied channel and guild containers are pruned.
	Remove(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error)

	// RemoveAll drops every subscription of a channel and reports whether the
	// channel existed. The guild container is pruned when it becomes empty.
	RemoveAll(ctx context.Context, guild, channel string) (bool, error)

	// Guilds lists all guild ids that have at least one subscription.
	Guilds(ctx context.Context) ([]string, error)

	// ListGuild returns a copy of all channel subscriptions of a guild.
	// An unknown guild yields an empty (non-nil) map.
	ListGuild(ctx context.Context, guild string) (GuildNotifications, error)

	// ListChannel returns a copy of one channel's subscriptions in insertion
	// order. Unknown guild or channel yields an empty slice.
	ListChannel(ctx context.Context, guild, channel string) ([]Notification, error)

	// SetLastUpdated updates the stored baseline timestamp of an existing
	// subscription and reports whether the entry was found.
	SetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string, ts int64) (bool, error)

	// GetLastUpdated returns the stored baseline timestamp. ok is false when
	// the entry is missing or has not been observed yet.
	GetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string) (ts int64, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
