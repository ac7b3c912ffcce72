package poller

import (
	"context"
	"runtime/debug"
	"time"

	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	logx "workshopbot/pkg/logx"
)

// Sweep walks every guild, channel and tracked item once and reconciles the
// stored baseline against the workshop. Errors are isolated per item: one
// broken item never stops the rest of the sweep.
func (s *Service) Sweep(ctx context.Context) {
	start := s.now()

	guilds, err := s.st.Guilds(ctx)
	if err != nil {
		s.log.Error("sweep aborted: cannot list guilds", logx.Err(err))
		return
	}

	items := 0
	for _, guild := range guilds {
		if ctx.Err() != nil {
			return
		}
		if s.dir != nil && !s.dir.GuildAvailable(ctx, guild) {
			s.log.Debug("guild unavailable; skipping", logx.String("guild", guild))
			continue
		}

		byChannel, err := s.st.ListGuild(ctx, guild)
		if err != nil {
			s.log.Warn("cannot list guild subscriptions", logx.String("guild", guild), logx.Err(err))
			continue
		}

		for channel, list := range byChannel {
			if ctx.Err() != nil {
				return
			}
			// A deleted channel is cleanup, not an error: drop its
			// subscriptions and move on.
			if s.dir != nil && !s.dir.ChannelExists(ctx, guild, channel) {
				if _, err := s.st.RemoveAll(ctx, guild, channel); err != nil {
					s.log.Warn("cannot prune deleted channel", logx.String("guild", guild), logx.String("channel", channel), logx.Err(err))
					continue
				}
				s.forgetChannel(guild, channel)
				s.log.Info("channel gone; subscriptions removed", logx.String("guild", guild), logx.String("channel", channel))
				continue
			}

			for _, n := range list {
				items++
				s.reconcileSafe(ctx, guild, channel, n)
			}
		}
	}

	s.log.Debug("sweep finished", logx.Int("guilds", len(guilds)), logx.Int("items", items), logx.Duration("took", s.now().Sub(start)))
}

func (s *Service) reconcileSafe(ctx context.Context, guild, channel string, n store.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic reconciling item", logx.String("guild", guild), logx.String("channel", channel),
				logx.String("id", n.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.reconcile(ctx, guild, channel, n)
}

func (s *Service) reconcile(ctx context.Context, guild, channel string, n store.Notification) {
	log := s.log.With(
		logx.String("guild", guild),
		logx.String("channel", channel),
		logx.String("kind", string(n.Type)),
		logx.String("id", n.ID),
	)

	it, err := s.fetchItem(ctx, n)
	if err != nil {
		// Transient or not-found: no store mutation, no announcement.
		// Self-heals on the next sweep if the workshop recovers.
		log.Warn("workshop fetch failed; skipping item this sweep", logx.Err(err))
		return
	}
	remote := it.UpdatedAt

	key := itemKey{guild: guild, channel: channel, kind: n.Type, id: n.ID}
	baseline, seen, err := s.st.GetLastUpdated(ctx, guild, channel, n.Type, n.ID)
	if err != nil {
		log.Warn("cannot read baseline", logx.Err(err))
		return
	}

	now := s.now()

	if !seen {
		// First observation seeds the baseline silently, never announces.
		if _, err := s.st.SetLastUpdated(ctx, guild, channel, n.Type, n.ID, remote); err != nil {
			log.Warn("cannot seed baseline", logx.Err(err))
			return
		}
		s.markSeeded(key, now)
		log.Debug("baseline seeded", logx.Int64("updated_at", remote))
		return
	}

	if remote <= baseline || remote <= 0 {
		return
	}

	s.mu.Lock()
	debounce := s.cfg.Debounce
	s.mu.Unlock()
	if seededAt, ok := s.seededTime(key); ok && now.Sub(seededAt) < debounce {
		log.Debug("update within debounce window; deferred",
			logx.Int64("remote", remote), logx.Int64("baseline", baseline),
			logx.Duration("age", now.Sub(seededAt)))
		return
	}

	// Advance the baseline BEFORE emitting: if delivery fails, the update is
	// lost rather than announced twice (at-most-once bias).
	if _, err := s.st.SetLastUpdated(ctx, guild, channel, n.Type, n.ID, remote); err != nil {
		log.Warn("cannot advance baseline; announcement withheld", logx.Err(err))
		return
	}
	s.markSeeded(key, now)

	if err := s.emit.Announce(ctx, guild, channel, n, it); err != nil {
		log.Warn("announcement delivery failed", logx.Err(err))
		return
	}
	log.Info("update announced", logx.Int64("from", baseline), logx.Int64("to", remote))
}

func (s *Service) fetchItem(ctx context.Context, n store.Notification) (*steam.Item, error) {
	switch n.Type {
	case store.KindCollection:
		return s.fetch.FetchCollection(ctx, n.ID)
	default:
		return s.fetch.FetchAddon(ctx, n.ID)
	}
}

func (s *Service) markSeeded(key itemKey, at time.Time) {
	s.seenMu.Lock()
	s.seededAt[key] = at
	s.seenMu.Unlock()
}

func (s *Service) seededTime(key itemKey) (time.Time, bool) {
	s.seenMu.Lock()
	at, ok := s.seededAt[key]
	s.seenMu.Unlock()
	return at, ok
}

func (s *Service) forgetChannel(guild, channel string) {
	s.seenMu.Lock()
	for k := range s.seededAt {
		if k.guild == guild && k.channel == channel {
			delete(s.seededAt, k)
		}
	}
	s.seenMu.Unlock()
}
