// Package store is the single source of truth for workshop subscriptions.
//
// It maps (guild, channel) to an ordered list of tracked items together with
// the last update timestamp the bot has already announced. All mutations go
// through the Store interface; nothing else writes the backing medium.
package store
