package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	logx "workshopbot/pkg/logx"
)

// Fetcher resolves a workshop id to its current metadata.
// Implementations return steam.ErrNotFound for unusable ids.
type Fetcher interface {
	FetchAddon(ctx context.Context, id string) (*steam.Item, error)
	FetchCollection(ctx context.Context, id string) (*steam.Item, error)
}

// Emitter delivers one update announcement to a channel. A failed delivery
// must not mutate any state; the poller logs it and moves on.
type Emitter interface {
	Announce(ctx context.Context, guild, channel string, n store.Notification, it *steam.Item) error
}

// Directory answers whether guilds/channels the store remembers still exist
// on the chat platform. Both checks are advisory: when in doubt, report true
// and let delivery fail instead of dropping subscriptions.
type Directory interface {
	GuildAvailable(ctx context.Context, guild string) bool
	ChannelExists(ctx context.Context, guild, channel string) bool
}

type Config struct {
	// Interval is the sweep cadence. Keep Debounce >= Interval, otherwise a
	// single workshop update can be announced twice in one debounce window.
	Interval time.Duration
	// Debounce is the minimum wall-clock gap between writing a baseline and
	// announcing against it.
	Debounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Debounce <= 0 {
		c.Debounce = 5 * time.Minute
	}
	return c
}

type itemKey struct {
	guild   string
	channel string
	kind    store.Kind
	id      string
}

// Service runs the recurring reconciliation sweep.
//
// It is deliberately free-standing: cadence comes from cron, time from an
// injectable clock, and all collaborators are interfaces, so the whole sweep
// is testable without a bot connection.
type Service struct {
	log   logx.Logger
	st    store.Store
	fetch Fetcher
	emit  Emitter
	dir   Directory

	now func() time.Time

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	entry  cron.EntryID
	runCtx context.Context

	sweeping atomic.Bool
	skipped  atomic.Uint64

	// seededAt remembers when each item's baseline was last written, for the
	// debounce check. Kept in memory on purpose: the persisted document only
	// carries lastUpdated, and after a restart an immediate announcement is
	// acceptable.
	seenMu   sync.Mutex
	seededAt map[itemKey]time.Time
}

func New(cfg Config, st store.Store, fetch Fetcher, emit Emitter, dir Directory, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		st:       st,
		fetch:    fetch,
		emit:     emit,
		dir:      dir,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		seededAt: map[itemKey]time.Time{},
	}
}

// WithClock replaces the wall clock. Call before Start; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	s.c = cron.New()
	id, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.tick)
	if err != nil {
		s.c = nil
		return err
	}
	s.entry = id
	s.c.Start()
	s.log.Info("poller started", logx.Duration("interval", s.cfg.Interval), logx.Duration("debounce", s.cfg.Debounce))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("poller stopped")
}

// Apply hot-reloads interval/debounce. A changed interval reschedules the
// cron entry; a running sweep is not interrupted.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if s.c == nil || cfg.Interval == old.Interval {
		return
	}
	s.c.Remove(s.entry)
	id, err := s.c.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), s.tick)
	if err != nil {
		s.log.Error("failed to reschedule sweep", logx.Err(err))
		return
	}
	s.entry = id
	s.log.Info("sweep interval changed", logx.Duration("from", old.Interval), logx.Duration("to", cfg.Interval))
}

// tick runs one sweep unless the previous one is still in flight, in which
// case the tick is skipped (never queued).
func (s *Service) tick() {
	if !s.sweeping.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.log.Warn("previous sweep still running; skipping tick", logx.Int64("skipped_total", int64(n)))
		return
	}
	defer s.sweeping.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.Sweep(ctx)
}

// SkippedTicks reports how many ticks were dropped due to overlap.
func (s *Service) SkippedTicks() uint64 { return s.skipped.Load() }
