package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"golang.org/x/time/rate"

	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	kit "workshopbot/internal/transport"
	logx "workshopbot/pkg/logx"
)

type Config struct {
	// RatePerSec caps announcement sends; Telegram group chats tolerate
	// roughly 20 messages/min, so the default stays well below that.
	RatePerSec float64
}

// Emitter renders update announcements and delivers them through the chat
// adapter. It never touches the store.
type Emitter struct {
	adapter kit.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func NewEmitter(cfg Config, adapter kit.Adapter, log logx.Logger) *Emitter {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 0.25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Emitter{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), 3),
		log:     log,
	}
}

// Announce sends one update notification to the channel identified by the
// store keys. Delivery respects the rate limiter; the caller decides what a
// failure means (the poller logs and moves on).
func (e *Emitter) Announce(ctx context.Context, guild, channel string, n store.Notification, it *steam.Item) error {
	target, err := kit.ParseTarget(guild, channel)
	if err != nil {
		return fmt.Errorf("notify: bad target %s/%s: %w", guild, channel, err)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	text := renderUpdate(n.Type, it)
	_, err = e.adapter.SendText(ctx, target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: false})
	return err
}

func renderUpdate(kind store.Kind, it *steam.Item) string {
	title := html.EscapeString(it.Title)
	if title == "" {
		title = "(untitled)"
	}
	link := ItemURL(it.ID)

	var head string
	switch kind {
	case store.KindCollection:
		head = fmt.Sprintf("📦 Collection updated: <a href=%q>%s</a>", link, title)
	default:
		head = fmt.Sprintf("🔧 Addon updated: <a href=%q>%s</a>", link, title)
	}

	body := fmt.Sprintf("\nUpdated: %s", FormatUnix(it.UpdatedAt))
	switch kind {
	case store.KindCollection:
		if it.Children > 0 {
			body += fmt.Sprintf("\nItems: %d", it.Children)
		}
	default:
		if it.FileSize > 0 {
			body += fmt.Sprintf("\nSize: %s", FormatBytes(it.FileSize))
		}
		if it.Subscriptions > 0 {
			body += fmt.Sprintf("\nSubscribers: %d", it.Subscriptions)
		}
	}
	return head + body
}

// ItemURL returns the public workshop page of an item.
func ItemURL(id string) string {
	return "https://steamcommunity.com/sharedfiles/filedetails/?id=" + id
}

// ChangelogURL returns the public change-history page of an item.
func ChangelogURL(id string) string {
	return "https://steamcommunity.com/sharedfiles/filedetails/changelog/" + id
}

// FormatUnix renders a workshop timestamp for chat messages.
func FormatUnix(ts int64) string {
	if ts <= 0 {
		return "unknown"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04 MST")
}

// FormatBytes renders a file size in binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
