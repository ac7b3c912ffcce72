package transport

import (
	"context"
	"strconv"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// ChatTarget addresses one deliverable channel: a chat, optionally narrowed
// to a forum topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// GuildID returns the store key for the chat ("guild" in store terms).
func (t ChatTarget) GuildID() string { return strconv.FormatInt(t.ChatID, 10) }

// ChannelID returns the store key for the thread ("channel" in store terms).
// Chats without topics use thread 0.
func (t ChatTarget) ChannelID() string { return strconv.Itoa(t.ThreadID) }

// ParseTarget rebuilds a ChatTarget from store keys.
func ParseTarget(guild, channel string) (ChatTarget, error) {
	chatID, err := strconv.ParseInt(guild, 10, 64)
	if err != nil {
		return ChatTarget{}, err
	}
	threadID, err := strconv.Atoi(channel)
	if err != nil {
		return ChatTarget{}, err
	}
	return ChatTarget{ChatID: chatID, ThreadID: threadID}, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons renders an inline keyboard; each inner slice is one row.
	Buttons            [][]Button
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Button is one inline keyboard button whose press comes back as a Callback
// with the given Data.
type Button struct {
	Text string
	Data string
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the narrow surface the bot core needs from a chat platform.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// IsAdmin reports whether the user may run mutating subscription commands
	// in the chat (chat admin/creator).
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)

	// ChatAvailable reports whether the bot can still reach the chat. Used by
	// the poller to detect guilds it was removed from.
	ChatAvailable(ctx context.Context, chatID int64) bool
}

// CommandMenuUpdater is an optional interface for adapters that can publish
// a command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
