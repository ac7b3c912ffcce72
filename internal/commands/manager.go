package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	kit "workshopbot/internal/transport"
	logx "workshopbot/pkg/logx"
)

// Fetcher resolves workshop ids, used to validate subscriptions and answer
// lookup commands.
type Fetcher interface {
	FetchAddon(ctx context.Context, id string) (*steam.Item, error)
	FetchCollection(ctx context.Context, id string) (*steam.Item, error)
}

type Config struct {
	// ConfirmTimeout bounds how long a yes/no confirmation stays valid.
	ConfirmTimeout time.Duration
	// AddonsPerChannel / CollectionsPerChannel cap subscriptions per channel.
	AddonsPerChannel      int
	CollectionsPerChannel int
	// HandlerTimeout is the default per-command deadline.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = time.Minute
	}
	if c.AddonsPerChannel <= 0 {
		c.AddonsPerChannel = 5
	}
	if c.CollectionsPerChannel <= 0 {
		c.CollectionsPerChannel = 3
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

type Command struct {
	Name        string
	Description string
	Usage       string
	// AdminOnly commands require the sender to be a chat admin (or a
	// configured owner). Private chats always pass.
	AdminOnly bool
	Timeout   time.Duration
	Handle    HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string

	Logger logx.Logger
}

// Manager routes incoming updates to command handlers over a bounded worker
// pool, and owns the confirmation sessions for destructive commands.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	commands map[string]Command
	order    []string
	owners   []int64

	cbMu      sync.RWMutex
	callbacks map[string]map[string]func(ctx context.Context, req *Request) error

	log      logx.Logger
	adapter  kit.Adapter
	st       store.Store
	fetch    Fetcher
	sessions *sessionTable

	jobs chan func()
}

func NewManager(cfg Config, adapter kit.Adapter, st store.Store, fetch Fetcher, owners []int64, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:       cfg,
		commands:  map[string]Command{},
		owners:    append([]int64(nil), owners...),
		callbacks: map[string]map[string]func(ctx context.Context, req *Request) error{},
		log:       log,
		adapter:   adapter,
		st:        st,
		fetch:     fetch,
		sessions:  newSessionTable(cfg.ConfirmTimeout),
		jobs:      make(chan func(), 256),
	}
	m.registerAll()
	return m
}

// SetOwners updates the owner allowlist. Safe during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// Apply hot-reloads command limits and timeouts.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

func (m *Manager) register(c Command) {
	if c.Name == "" || c.Handle == nil {
		return
	}
	m.commands[c.Name] = c
	m.order = append(m.order, c.Name)
}

func (m *Manager) registerCallback(ns, action string, h func(ctx context.Context, req *Request) error) {
	if m.callbacks[ns] == nil {
		m.callbacks[ns] = map[string]func(ctx context.Context, req *Request) error{}
	}
	m.callbacks[ns][action] = h
}

// MenuCommands returns the command menu in registration order.
func (m *Manager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.order))
	for _, name := range m.order {
		c := m.commands[name]
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() { closeOnce.Do(func() { close(m.jobs) }) }

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		closeJobs()
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *Manager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	}
}

func (m *Manager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.commands[strings.ToLower(word)]
	m.mu.RUnlock()
	if !ok {
		// Could be addressed to another bot in the chat; stay quiet.
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	m.enqueue(root, cmd, req)
}

func (m *Manager) enqueue(root context.Context, cmd Command, req *Request) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.config().HandlerTimeout
	}

	final := Chain(
		m.gate(cmd),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		_ = m.reply(root, req, "busy, try again")
	}
}

// gate enforces AdminOnly before the real handler runs.
func (m *Manager) gate(cmd Command) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if cmd.AdminOnly && !m.allowed(ctx, req) {
			return m.reply(ctx, req, "you need to be a chat admin to do that")
		}
		return cmd.Handle(ctx, req)
	}
}

// allowed reports whether the sender may run mutating commands here: owners
// always, everyone in a private chat, chat admins elsewhere.
func (m *Manager) allowed(ctx context.Context, req *Request) bool {
	if isOwner(req.FromID, m.ownersSnapshot()) {
		return true
	}
	if req.Chat.ChatID == req.FromID {
		return true
	}
	ok, err := m.adapter.IsAdmin(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		req.Logger.Warn("admin check failed", logx.Err(err))
		return false
	}
	return ok
}

func (m *Manager) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	ns, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	h, ok := m.callbacks[ns][action]
	m.cbMu.RUnlock()
	if !ok {
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + ns + ":" + action,
		Payload: payload,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+ns+":"+action),
		),
	}

	final := Chain(
		h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(m.config().HandlerTimeout),
	)

	select {
	case m.jobs <- func() {
		_ = final(root, req)
		// Best effort to stop the "loading" spinner.
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}:
	default:
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (m *Manager) reply(ctx context.Context, req *Request, text string) error {
	_, err := m.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (m *Manager) replyHTML(ctx context.Context, req *Request, text string) error {
	_, err := m.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "r-" + time.Now().Format("150405.000")
	}
	return hex.EncodeToString(b[:])
}
