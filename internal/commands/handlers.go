package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"workshopbot/internal/notify"
	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	kit "workshopbot/internal/transport"
	logx "workshopbot/pkg/logx"
)

func (m *Manager) registerAll() {
	m.register(Command{
		Name:        "watchaddon",
		Description: "watch a workshop addon for updates",
		Usage:       "/watchaddon <id>",
		AdminOnly:   true,
		Handle:      m.handleWatch(store.KindAddon),
	})
	m.register(Command{
		Name:        "watchcollection",
		Description: "watch a workshop collection for updates",
		Usage:       "/watchcollection <id>",
		AdminOnly:   true,
		Handle:      m.handleWatch(store.KindCollection),
	})
	m.register(Command{
		Name:        "unwatchaddon",
		Description: "stop watching an addon",
		Usage:       "/unwatchaddon <id>",
		AdminOnly:   true,
		Handle:      m.handleUnwatch(store.KindAddon),
	})
	m.register(Command{
		Name:        "unwatchcollection",
		Description: "stop watching a collection",
		Usage:       "/unwatchcollection <id>",
		AdminOnly:   true,
		Handle:      m.handleUnwatch(store.KindCollection),
	})
	m.register(Command{
		Name:        "unwatchall",
		Description: "stop watching everything in this channel",
		Usage:       "/unwatchall",
		AdminOnly:   true,
		Handle:      m.handleUnwatchAll,
	})
	m.register(Command{
		Name:        "watchlist",
		Description: "list what this channel is watching",
		Usage:       "/watchlist",
		Handle:      m.handleWatchlist,
	})
	m.register(Command{
		Name:        "workshop",
		Description: "show workshop item details",
		Usage:       "/workshop <id>",
		Handle:      m.handleWorkshop,
	})
	m.register(Command{
		Name:        "changelog",
		Description: "link to an item's change notes",
		Usage:       "/changelog <id>",
		Handle:      m.handleChangelog,
	})
	m.register(Command{
		Name:        "help",
		Description: "show help",
		Usage:       "/help",
		Handle:      m.handleHelp,
	})

	m.registerCallback("confirm", "yes", m.handleConfirmYes)
	m.registerCallback("confirm", "no", m.handleConfirmNo)
}

// parseItemID validates a workshop id: decimal digits only, 1 to 20 of them.
// Bad ids are rejected before any store or API call.
func parseItemID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > 20 {
		return "", errors.New("workshop id must be 1-20 digits")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return "", errors.New("workshop id must be 1-20 digits")
		}
	}
	return id, nil
}

func kindNoun(kind store.Kind) string {
	if kind == store.KindCollection {
		return "collection"
	}
	return "addon"
}

func (m *Manager) handleWatch(kind store.Kind) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return m.reply(ctx, req, "usage: /watch"+kindNoun(kind)+" <id>")
		}
		id, err := parseItemID(req.Args[0])
		if err != nil {
			return m.reply(ctx, req, err.Error())
		}

		guild, channel := req.Chat.GuildID(), req.Chat.ChannelID()

		tracked, err := m.st.IsTracked(ctx, guild, channel, kind, id)
		if err != nil {
			return err
		}
		if tracked {
			return m.reply(ctx, req, "already watching "+kindNoun(kind)+" "+id)
		}

		if full, err := m.atCapacity(ctx, req.Chat, kind); err != nil {
			return err
		} else if full {
			return m.reply(ctx, req, fmt.Sprintf("limit reached: at most %d %ss per channel", m.kindLimit(kind), kindNoun(kind)))
		}

		it, err := m.fetchKind(ctx, kind, id)
		if errors.Is(err, steam.ErrNotFound) {
			return m.reply(ctx, req, kindNoun(kind)+" "+id+" was not found on the workshop")
		}
		if err != nil {
			req.Logger.Warn("workshop lookup failed", logx.String("id", id), logx.Err(err))
			return m.reply(ctx, req, "workshop lookup failed, try again later")
		}

		title := it.Title
		if title == "" {
			title = id
		}

		// The subscription is only written once the user confirms; the checks
		// above are a courtesy and are repeated inside the confirmed action.
		p, err := m.sessions.Begin(req.FromID, req.Chat, func(ctx context.Context) (string, error) {
			if full, err := m.atCapacity(ctx, req.Chat, kind); err != nil {
				return "", err
			} else if full {
				limit := m.kindLimit(kind)
				return fmt.Sprintf("limit reached: at most %d %ss per channel", limit, kindNoun(kind)), nil
			}
			added, err := m.st.Add(ctx, guild, channel, kind, id)
			if err != nil {
				return "", err
			}
			if !added {
				return "already watching " + kindNoun(kind) + " " + id, nil
			}
			return fmt.Sprintf("👀 Watching %s %q (%s). Updates will be announced here.", kindNoun(kind), title, id), nil
		})
		if errors.Is(err, ErrConfirmationPending) {
			return m.reply(ctx, req, "you already have a pending confirmation, answer it first")
		}
		if err != nil {
			return err
		}

		ref, err := m.adapter.SendText(ctx, req.Chat,
			fmt.Sprintf("watch %s %q (%s) in this channel?", kindNoun(kind), title, id),
			&kit.SendOptions{Buttons: [][]kit.Button{{
				{Text: "Watch", Data: "confirm:yes:" + p.Token},
				{Text: "Cancel", Data: "confirm:no:" + p.Token},
			}}})
		if err != nil {
			return err
		}
		m.sessions.AttachPrompt(req.FromID, p.Token, ref)
		return nil
	}
}

// atCapacity reports whether the channel already holds the per-kind limit.
func (m *Manager) atCapacity(ctx context.Context, chat kit.ChatTarget, kind store.Kind) (bool, error) {
	list, err := m.st.ListChannel(ctx, chat.GuildID(), chat.ChannelID())
	if err != nil {
		return false, err
	}
	count := 0
	for _, n := range list {
		if n.Type == kind {
			count++
		}
	}
	return count >= m.kindLimit(kind), nil
}

func (m *Manager) kindLimit(kind store.Kind) int {
	cfg := m.config()
	if kind == store.KindCollection {
		return cfg.CollectionsPerChannel
	}
	return cfg.AddonsPerChannel
}

func (m *Manager) fetchKind(ctx context.Context, kind store.Kind, id string) (*steam.Item, error) {
	if kind == store.KindCollection {
		return m.fetch.FetchCollection(ctx, id)
	}
	return m.fetch.FetchAddon(ctx, id)
}

func (m *Manager) handleUnwatch(kind store.Kind) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return m.reply(ctx, req, "usage: /unwatch"+kindNoun(kind)+" <id>")
		}
		id, err := parseItemID(req.Args[0])
		if err != nil {
			return m.reply(ctx, req, err.Error())
		}

		removed, err := m.st.Remove(ctx, req.Chat.GuildID(), req.Chat.ChannelID(), kind, id)
		if err != nil {
			return err
		}
		if !removed {
			return m.reply(ctx, req, "this channel is not watching "+kindNoun(kind)+" "+id)
		}
		return m.reply(ctx, req, "stopped watching "+kindNoun(kind)+" "+id)
	}
}

func (m *Manager) handleUnwatchAll(ctx context.Context, req *Request) error {
	guild, channel := req.Chat.GuildID(), req.Chat.ChannelID()

	list, err := m.st.ListChannel(ctx, guild, channel)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return m.reply(ctx, req, "this channel is not watching anything")
	}

	p, err := m.sessions.Begin(req.FromID, req.Chat, func(ctx context.Context) (string, error) {
		existed, err := m.st.RemoveAll(ctx, guild, channel)
		if err != nil {
			return "", err
		}
		if !existed {
			return "nothing left to remove", nil
		}
		return fmt.Sprintf("removed all %d subscriptions from this channel", len(list)), nil
	})
	if errors.Is(err, ErrConfirmationPending) {
		return m.reply(ctx, req, "you already have a pending confirmation, answer it first")
	}
	if err != nil {
		return err
	}

	ref, err := m.adapter.SendText(ctx, req.Chat,
		fmt.Sprintf("remove all %d subscriptions from this channel?", len(list)),
		&kit.SendOptions{Buttons: [][]kit.Button{{
			{Text: "Yes, remove all", Data: "confirm:yes:" + p.Token},
			{Text: "Cancel", Data: "confirm:no:" + p.Token},
		}}})
	if err != nil {
		return err
	}
	m.sessions.AttachPrompt(req.FromID, p.Token, ref)
	return nil
}

func (m *Manager) handleConfirmYes(ctx context.Context, req *Request) error {
	p, ok := m.sessions.Take(req.FromID, req.Payload)
	if !ok {
		return m.editPromptOrReply(ctx, req, kit.MessageRef{}, "this confirmation has expired")
	}
	text, err := p.Run(ctx)
	if err != nil {
		req.Logger.Warn("confirmed action failed", logx.Err(err))
		text = "action failed, try again"
	}
	return m.editPromptOrReply(ctx, req, p.Prompt, text)
}

func (m *Manager) handleConfirmNo(ctx context.Context, req *Request) error {
	p, ok := m.sessions.Take(req.FromID, req.Payload)
	if !ok {
		return m.editPromptOrReply(ctx, req, kit.MessageRef{}, "this confirmation has expired")
	}
	return m.editPromptOrReply(ctx, req, p.Prompt, "cancelled")
}

// editPromptOrReply replaces the keyboard prompt with the outcome, falling
// back to a plain reply when the prompt message is unknown.
func (m *Manager) editPromptOrReply(ctx context.Context, req *Request, ref kit.MessageRef, text string) error {
	if ref.MessageID != 0 {
		if err := m.adapter.EditText(ctx, ref, text, nil); err == nil {
			return nil
		}
	}
	return m.reply(ctx, req, text)
}

func (m *Manager) handleWatchlist(ctx context.Context, req *Request) error {
	list, err := m.st.ListChannel(ctx, req.Chat.GuildID(), req.Chat.ChannelID())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return m.reply(ctx, req, "this channel is not watching anything")
	}

	var b strings.Builder
	b.WriteString("Watching in this channel:\n")
	for _, n := range list {
		icon := "🔧"
		if n.Type == store.KindCollection {
			icon = "📦"
		}
		fmt.Fprintf(&b, "%s %s <a href=%q>%s</a>", icon, kindNoun(n.Type), notify.ItemURL(n.ID), n.ID)
		if n.LastUpdated != nil {
			fmt.Fprintf(&b, " (last update %s)", notify.FormatUnix(*n.LastUpdated))
		}
		b.WriteString("\n")
	}
	return m.replyHTML(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (m *Manager) handleWorkshop(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return m.reply(ctx, req, "usage: /workshop <id>")
	}
	id, err := parseItemID(req.Args[0])
	if err != nil {
		return m.reply(ctx, req, err.Error())
	}

	it, err := m.fetch.FetchAddon(ctx, id)
	kind := store.KindAddon
	if errors.Is(err, steam.ErrNotFound) {
		it, err = m.fetch.FetchCollection(ctx, id)
		kind = store.KindCollection
	}
	if errors.Is(err, steam.ErrNotFound) {
		return m.reply(ctx, req, "item "+id+" was not found on the workshop")
	}
	if err != nil {
		req.Logger.Warn("workshop lookup failed", logx.String("id", id), logx.Err(err))
		return m.reply(ctx, req, "workshop lookup failed, try again later")
	}

	return m.replyHTML(ctx, req, renderDetails(kind, it))
}

func renderDetails(kind store.Kind, it *steam.Item) string {
	title := html.EscapeString(it.Title)
	if title == "" {
		title = "(untitled)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (%s)\n%s", title, kindNoun(kind), notify.ItemURL(it.ID))
	if it.Creator != "" {
		fmt.Fprintf(&b, "\nCreator: %s", it.Creator)
	}
	if it.UpdatedAt > 0 {
		fmt.Fprintf(&b, "\nLast update: %s", notify.FormatUnix(it.UpdatedAt))
	}
	if kind == store.KindCollection {
		if it.Children > 0 {
			fmt.Fprintf(&b, "\nItems: %d", it.Children)
		}
	} else {
		if it.FileSize > 0 {
			fmt.Fprintf(&b, "\nSize: %s", notify.FormatBytes(it.FileSize))
		}
		if it.Subscriptions > 0 {
			fmt.Fprintf(&b, "\nSubscribers: %d", it.Subscriptions)
		}
		if it.LifetimeSubscriptions > 0 {
			fmt.Fprintf(&b, "\nLifetime subscribers: %d", it.LifetimeSubscriptions)
		}
	}
	fmt.Fprintf(&b, "\nVisibility: %s", visibilityName(it.Visibility))
	return b.String()
}

func visibilityName(v int) string {
	switch v {
	case 0:
		return "public"
	case 1:
		return "friends only"
	case 2:
		return "private"
	case 3:
		return "unlisted"
	default:
		return "unknown"
	}
}

func (m *Manager) handleChangelog(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return m.reply(ctx, req, "usage: /changelog <id>")
	}
	id, err := parseItemID(req.Args[0])
	if err != nil {
		return m.reply(ctx, req, err.Error())
	}
	return m.replyHTML(ctx, req, fmt.Sprintf("<a href=%q>Change notes for %s</a>", notify.ChangelogURL(id), id))
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	m.mu.RLock()
	var b strings.Builder
	b.WriteString("Workshop update notifications:\n")
	for _, name := range m.order {
		c := m.commands[name]
		fmt.Fprintf(&b, "%s - %s", c.Usage, c.Description)
		if c.AdminOnly {
			b.WriteString(" (admins)")
		}
		b.WriteString("\n")
	}
	m.mu.RUnlock()
	return m.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}
