package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	logx "workshopbot/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddThenTracked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Add(ctx, "g1", "c1", KindAddon, "123")
	if err != nil || !ok {
		t.Fatalf("Add = (%v, %v), want (true, nil)", ok, err)
	}
	tracked, err := s.IsTracked(ctx, "g1", "c1", KindAddon, "123")
	if err != nil || !tracked {
		t.Fatalf("IsTracked = (%v, %v), want (true, nil)", tracked, err)
	}

	// Duplicate add is a no-op.
	ok, err = s.Add(ctx, "g1", "c1", KindAddon, "123")
	if err != nil || ok {
		t.Fatalf("second Add = (%v, %v), want (false, nil)", ok, err)
	}
	list, err := s.ListChannel(ctx, "g1", "c1")
	if err != nil {
		t.Fatalf("ListChannel: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListChannel len = %d, want 1", len(list))
	}
	if list[0].LastUpdated != nil {
		t.Fatalf("fresh entry has LastUpdated set: %d", *list[0].LastUpdated)
	}
}

func TestSameIDDifferentKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if ok, _ := s.Add(ctx, "g1", "c1", KindAddon, "42"); !ok {
		t.Fatal("addon add failed")
	}
	if ok, _ := s.Add(ctx, "g1", "c1", KindCollection, "42"); !ok {
		t.Fatal("collection add with same id should be a distinct entry")
	}
	list, _ := s.ListChannel(ctx, "g1", "c1")
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
}

func TestRemoveAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Remove(ctx, "g1", "c1", KindAddon, "123")
	if err != nil || ok {
		t.Fatalf("Remove on empty store = (%v, %v), want (false, nil)", ok, err)
	}

	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "123")
	ok, _ = s.Remove(ctx, "g1", "c1", KindAddon, "999")
	if ok {
		t.Fatal("Remove of never-added id should return false")
	}
	list, _ := s.ListChannel(ctx, "g1", "c1")
	if len(list) != 1 {
		t.Fatalf("store altered by failed remove: len = %d", len(list))
	}
}

func TestRemovePrunesContainers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "1")
	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "2")

	if ok, _ := s.Remove(ctx, "g1", "c1", KindAddon, "1"); !ok {
		t.Fatal("first remove failed")
	}
	if ok, _ := s.Remove(ctx, "g1", "c1", KindAddon, "2"); !ok {
		t.Fatal("second remove failed")
	}

	g, _ := s.ListGuild(ctx, "g1")
	if len(g) != 0 {
		t.Fatalf("guild not pruned: %v", g)
	}
	guilds, _ := s.Guilds(ctx)
	if len(guilds) != 0 {
		t.Fatalf("guild key survived: %v", guilds)
	}
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ok, _ := s.RemoveAll(ctx, "g1", "c1")
	if ok {
		t.Fatal("RemoveAll on absent channel should return false")
	}

	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "1")
	_, _ = s.Add(ctx, "g1", "c1", KindCollection, "2")
	_, _ = s.Add(ctx, "g1", "c2", KindAddon, "3")

	ok, _ = s.RemoveAll(ctx, "g1", "c1")
	if !ok {
		t.Fatal("RemoveAll should report a removal")
	}
	g, _ := s.ListGuild(ctx, "g1")
	if _, exists := g["c1"]; exists {
		t.Fatal("channel key survived RemoveAll")
	}
	if len(g["c2"]) != 1 {
		t.Fatal("other channel was affected")
	}
}

func TestLastUpdatedRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, _ := s.GetLastUpdated(ctx, "g1", "c1", KindAddon, "1"); ok {
		t.Fatal("GetLastUpdated on absent entry should report !ok")
	}
	if ok, _ := s.SetLastUpdated(ctx, "g1", "c1", KindAddon, "1", 1000); ok {
		t.Fatal("SetLastUpdated on absent entry should fail")
	}

	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "1")
	if _, ok, _ := s.GetLastUpdated(ctx, "g1", "c1", KindAddon, "1"); ok {
		t.Fatal("fresh entry should have no baseline")
	}
	if ok, _ := s.SetLastUpdated(ctx, "g1", "c1", KindAddon, "1", 1000); !ok {
		t.Fatal("SetLastUpdated failed")
	}
	ts, ok, _ := s.GetLastUpdated(ctx, "g1", "c1", KindAddon, "1")
	if !ok || ts != 1000 {
		t.Fatalf("GetLastUpdated = (%d, %v), want (1000, true)", ts, ok)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subscriptions.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "123")
	_, _ = s.SetLastUpdated(ctx, "g1", "c1", KindAddon, "123", 1000)
	_ = s.Close()

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	ts, ok, _ := s2.GetLastUpdated(ctx, "g1", "c1", KindAddon, "123")
	if !ok || ts != 1000 {
		t.Fatalf("baseline lost across reopen: (%d, %v)", ts, ok)
	}
}

func TestDocumentLayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subscriptions.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	_, _ = s.Add(ctx, "g1", "c1", KindAddon, "123")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc map[string]map[string][]map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("document is not the expected shape: %v", err)
	}
	entry := doc["g1"]["c1"][0]
	if entry["type"] != "addon-update" || entry["id"] != "123" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, present := entry["lastUpdated"]; present {
		t.Fatal("lastUpdated should be omitted until first observation")
	}
}

func TestCorruptFileSelfHeals(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open on corrupt file should self-heal, got %v", err)
	}
	defer s.Close()

	guilds, _ := s.Guilds(context.Background())
	if len(guilds) != 0 {
		t.Fatalf("corrupt file should yield empty store, got %v", guilds)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "{}" {
		t.Fatalf("backing file not reset, got %q", b)
	}
}

func TestMissingFileCreated(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "dir", "subscriptions.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("empty document was not created: %v", err)
	}
	if string(b) != "{}" {
		t.Fatalf("fresh document = %q, want {}", b)
	}
}
