package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "30s", "5m"); unknown keys are rejected at load.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Steam    SteamConfig    `json:"steam"`
	Poll     PollConfig     `json:"poll"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Commands CommandsConfig `json:"commands"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may always run mutating commands, even without chat admin
	// rights.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type SteamConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"` // override for tests only
	Timeout string `json:"timeout,omitempty"`
}

// PollConfig controls the reconciliation sweep.
//
// Debounce must be >= Interval, otherwise one workshop update can be
// announced twice within a single debounce window.
type PollConfig struct {
	Interval string `json:"interval,omitempty"` // default "5m"
	Debounce string `json:"debounce,omitempty"` // default "5m"
	// RatePerSec caps announcement delivery.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the subscription store backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/subscriptions.json" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type CommandsConfig struct {
	// ConfirmTimeout bounds how long a pending yes/no confirmation stays
	// valid. Default "60s".
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`
	// AddonsPerChannel / CollectionsPerChannel cap subscriptions per channel.
	AddonsPerChannel      int `json:"addons_per_channel,omitempty"`      // default 5
	CollectionsPerChannel int `json:"collections_per_channel,omitempty"` // default 3
}
