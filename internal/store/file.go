package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "workshopbot/pkg/logx"
)

// fileStore keeps the whole subscription document in memory behind a mutex
// and rewrites the file on every mutation (write-through). The in-memory copy
// is the only reader of the file after open, which closes the read-modify-
// write race a naive per-call reload would have.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	doc  map[string]GuildNotifications
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, doc: map[string]GuildNotifications{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First access: create the empty document.
		if werr := s.writeLocked(); werr != nil {
			return nil, werr
		}
	case err != nil:
		// Unreadable backing file. Self-heal to an empty document rather than
		// refusing to start; subscriptions are lost but the bot stays up.
		log.Warn("subscription file unreadable; resetting to empty", logx.String("path", path), logx.Err(err))
		if werr := s.writeLocked(); werr != nil {
			return nil, werr
		}
	default:
		if uerr := json.Unmarshal(b, &s.doc); uerr != nil || s.doc == nil {
			log.Warn("subscription file corrupt; resetting to empty", logx.String("path", path), logx.Err(uerr))
			s.doc = map[string]GuildNotifications{}
			if werr := s.writeLocked(); werr != nil {
				return nil, werr
			}
		}
	}

	return s, nil
}

func (s *fileStore) Close() error { return nil }

// writeLocked rewrites the full document atomically (tmp + rename + fsync).
// Callers must hold s.mu (or be the only reference, during open).
func (s *fileStore) writeLocked() error {
	b, err := json.Marshal(s.doc)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) find(guild, channel string, kind Kind, id string) (int, []Notification) {
	list, ok := s.doc[guild][channel]
	if !ok {
		return -1, nil
	}
	for i, n := range list {
		if n.Type == kind && n.ID == id {
			return i, list
		}
	}
	return -1, list
}

func (s *fileStore) IsTracked(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := s.find(guild, channel, kind, id)
	return i >= 0, nil
}

func (s *fileStore) Add(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, _ := s.find(guild, channel, kind, id); i >= 0 {
		return false, nil
	}
	if s.doc[guild] == nil {
		s.doc[guild] = GuildNotifications{}
	}
	s.doc[guild][channel] = append(s.doc[guild][channel], Notification{Type: kind, ID: id})
	if err := s.writeLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Remove(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	i, list := s.find(guild, channel, kind, id)
	if i < 0 {
		return false, nil
	}
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(s.doc[guild], channel)
	} else {
		s.doc[guild][channel] = list
	}
	if len(s.doc[guild]) == 0 {
		delete(s.doc, guild)
	}
	if err := s.writeLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) RemoveAll(ctx context.Context, guild, channel string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc[guild][channel]; !ok {
		return false, nil
	}
	delete(s.doc[guild], channel)
	if len(s.doc[guild]) == 0 {
		delete(s.doc, guild)
	}
	if err := s.writeLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Guilds(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.doc))
	for g := range s.doc {
		out = append(out, g)
	}
	// Map iteration order is random; keep sweeps deterministic.
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) ListGuild(ctx context.Context, guild string) (GuildNotifications, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := GuildNotifications{}
	for ch, list := range s.doc[guild] {
		out[ch] = copyList(list)
	}
	return out, nil
}

func (s *fileStore) ListChannel(ctx context.Context, guild, channel string) ([]Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyList(s.doc[guild][channel]), nil
}

func (s *fileStore) SetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string, ts int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	i, list := s.find(guild, channel, kind, id)
	if i < 0 {
		return false, nil
	}
	list[i].LastUpdated = &ts
	if err := s.writeLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) GetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string) (int64, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	i, list := s.find(guild, channel, kind, id)
	if i < 0 || list[i].LastUpdated == nil {
		return 0, false, nil
	}
	return *list[i].LastUpdated, true, nil
}

func copyList(list []Notification) []Notification {
	out := make([]Notification, len(list))
	for i, n := range list {
		cp := n
		if n.LastUpdated != nil {
			v := *n.LastUpdated
			cp.LastUpdated = &v
		}
		out[i] = cp
	}
	return out
}
