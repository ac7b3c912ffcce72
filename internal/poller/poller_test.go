package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	logx "workshopbot/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string]*steam.Item
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) set(id string, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = map[string]*steam.Item{}
	}
	f.items[id] = &steam.Item{ID: id, Title: "item " + id, UpdatedAt: updatedAt}
}

func (f *fakeFetcher) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = map[string]error{}
	}
	f.errs[id] = err
}

func (f *fakeFetcher) fetch(id string) (*steam.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	it, ok := f.items[id]
	if !ok {
		return nil, steam.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeFetcher) FetchAddon(_ context.Context, id string) (*steam.Item, error) {
	return f.fetch(id)
}

func (f *fakeFetcher) FetchCollection(_ context.Context, id string) (*steam.Item, error) {
	return f.fetch(id)
}

type announcement struct {
	guild, channel string
	id             string
	updatedAt      int64
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []announcement
	err  error
}

func (e *fakeEmitter) Announce(_ context.Context, guild, channel string, n store.Notification, it *steam.Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, announcement{guild: guild, channel: channel, id: n.ID, updatedAt: it.UpdatedAt})
	return nil
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fakeDirectory struct {
	mu         sync.Mutex
	deadGuilds map[string]bool
	deadChans  map[string]bool
}

func (d *fakeDirectory) GuildAvailable(_ context.Context, guild string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.deadGuilds[guild]
}

func (d *fakeDirectory) ChannelExists(_ context.Context, guild, channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.deadChans[guild+"/"+channel]
}

func (d *fakeDirectory) killChannel(guild, channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deadChans == nil {
		d.deadChans = map[string]bool{}
	}
	d.deadChans[guild+"/"+channel] = true
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	st    store.Store
	fetch *fakeFetcher
	emit  *fakeEmitter
	dir   *fakeDirectory
	clock *fakeClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, fetch: &fakeFetcher{}, emit: &fakeEmitter{}, dir: &fakeDirectory{}, clock: newFakeClock()}
	f.svc = New(Config{Interval: 5 * time.Minute, Debounce: 5 * time.Minute}, st, f.fetch, f.emit, f.dir, logx.Nop()).
		WithClock(f.clock.Now)
	return f
}

func (f *fixture) baseline(t *testing.T, guild, channel string, kind store.Kind, id string) (int64, bool) {
	t.Helper()
	ts, ok, err := f.st.GetLastUpdated(context.Background(), guild, channel, kind, id)
	if err != nil {
		t.Fatalf("GetLastUpdated: %v", err)
	}
	return ts, ok
}

func TestFirstObservationSeedsSilently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	f.fetch.set("123", 1000)

	f.svc.Sweep(ctx)

	if n := f.emit.count(); n != 0 {
		t.Fatalf("first observation announced %d times, want 0", n)
	}
	ts, ok := f.baseline(t, "g1", "c1", store.KindAddon, "123")
	if !ok || ts != 1000 {
		t.Fatalf("baseline = (%d, %v), want (1000, true)", ts, ok)
	}
}

func TestDebounceWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	f.fetch.set("123", 1000)
	f.svc.Sweep(ctx) // seeds baseline at clock t0

	// Remote updated, but we are still inside the debounce window.
	f.fetch.set("123", 2000)
	f.clock.Advance(100 * time.Second)
	f.svc.Sweep(ctx)
	if n := f.emit.count(); n != 0 {
		t.Fatalf("announced inside debounce window (%d times)", n)
	}
	if ts, _ := f.baseline(t, "g1", "c1", store.KindAddon, "123"); ts != 1000 {
		t.Fatalf("baseline advanced during debounce: %d", ts)
	}

	// Past the window the same update is announced exactly once.
	f.clock.Advance(201 * time.Second)
	f.svc.Sweep(ctx)
	if n := f.emit.count(); n != 1 {
		t.Fatalf("announced %d times, want 1", n)
	}
	if ts, _ := f.baseline(t, "g1", "c1", store.KindAddon, "123"); ts != 2000 {
		t.Fatalf("baseline = %d, want 2000", ts)
	}

	// Unchanged remote data never re-announces.
	f.clock.Advance(10 * time.Minute)
	f.svc.Sweep(ctx)
	if n := f.emit.count(); n != 1 {
		t.Fatalf("re-announced unchanged update (%d total)", n)
	}
}

func TestStaleTimestampNeverAnnounces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	f.fetch.set("123", 1000)
	f.svc.Sweep(ctx)
	f.clock.Advance(time.Hour)

	for _, remote := range []int64{1000, 500, 0} {
		f.fetch.set("123", remote)
		f.svc.Sweep(ctx)
	}
	if n := f.emit.count(); n != 0 {
		t.Fatalf("stale timestamps produced %d announcements", n)
	}
}

func TestEmitterFailureKeepsBaseline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	f.fetch.set("123", 1000)
	f.svc.Sweep(ctx)
	f.clock.Advance(time.Hour)

	f.emit.err = errors.New("channel write failed")
	f.fetch.set("123", 2000)
	f.svc.Sweep(ctx)

	// Baseline advanced even though delivery failed: at-most-once bias.
	if ts, _ := f.baseline(t, "g1", "c1", store.KindAddon, "123"); ts != 2000 {
		t.Fatalf("baseline = %d, want 2000", ts)
	}

	// Next sweep with unchanged remote data: no duplicate announcement.
	f.emit.err = nil
	f.clock.Advance(time.Hour)
	f.svc.Sweep(ctx)
	if n := f.emit.count(); n != 0 {
		t.Fatalf("lost notification was re-announced (%d)", n)
	}
}

func TestFetchFailureSkipsItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "456")
	f.fetch.fail("123", errors.New("api down"))
	f.fetch.set("456", 1000)

	f.svc.Sweep(ctx)

	// Failed item untouched, healthy item still processed.
	if _, ok := f.baseline(t, "g1", "c1", store.KindAddon, "123"); ok {
		t.Fatal("failed fetch must not mutate the store")
	}
	if ts, ok := f.baseline(t, "g1", "c1", store.KindAddon, "456"); !ok || ts != 1000 {
		t.Fatalf("healthy item not seeded: (%d, %v)", ts, ok)
	}

	// Transient failure self-heals on the next sweep.
	f.fetch.fail("123", nil)
	f.fetch.set("123", 900)
	f.svc.Sweep(ctx)
	if ts, ok := f.baseline(t, "g1", "c1", store.KindAddon, "123"); !ok || ts != 900 {
		t.Fatalf("item did not recover: (%d, %v)", ts, ok)
	}
}

func TestNotFoundSkipsWithoutMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	// fetcher has no entry for 123 -> steam.ErrNotFound

	f.svc.Sweep(ctx)

	if tracked, _ := f.st.IsTracked(ctx, "g1", "c1", store.KindAddon, "123"); !tracked {
		t.Fatal("not-found fetch must not remove the subscription")
	}
	if n := f.emit.count(); n != 0 {
		t.Fatalf("announced %d times", n)
	}
}

func TestDeletedChannelPruned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindAddon, "123")
	_, _ = f.st.Add(ctx, "g1", "c2", store.KindAddon, "456")
	f.fetch.set("123", 1000)
	f.fetch.set("456", 1000)
	f.dir.killChannel("g1", "c1")

	f.svc.Sweep(ctx)

	if tracked, _ := f.st.IsTracked(ctx, "g1", "c1", store.KindAddon, "123"); tracked {
		t.Fatal("deleted channel's subscriptions survived the sweep")
	}
	if tracked, _ := f.st.IsTracked(ctx, "g1", "c2", store.KindAddon, "456"); !tracked {
		t.Fatal("live channel was pruned")
	}
	if f.fetch.calls != 1 {
		t.Fatalf("dead channel items were still fetched (%d calls)", f.fetch.calls)
	}
}

func TestCollectionUsesCollectionFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.st.Add(ctx, "g1", "c1", store.KindCollection, "789")
	f.fetch.set("789", 1500)

	f.svc.Sweep(ctx)

	if ts, ok := f.baseline(t, "g1", "c1", store.KindCollection, "789"); !ok || ts != 1500 {
		t.Fatalf("collection baseline = (%d, %v)", ts, ok)
	}
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// empty store -> add -> store has one unobserved entry
	added, err := f.st.Add(ctx, "G1", "C1", store.KindAddon, "123")
	if err != nil || !added {
		t.Fatalf("Add = (%v, %v)", added, err)
	}
	list, _ := f.st.ListChannel(ctx, "G1", "C1")
	if len(list) != 1 || list[0].Type != store.KindAddon || list[0].ID != "123" || list[0].LastUpdated != nil {
		t.Fatalf("unexpected store state: %+v", list)
	}

	// sweep with fetched timestamp 1000 -> lastUpdated:1000, no announcement
	f.fetch.set("123", 1000)
	f.svc.Sweep(ctx)
	if ts, ok := f.baseline(t, "G1", "C1", store.KindAddon, "123"); !ok || ts != 1000 {
		t.Fatalf("baseline = (%d, %v), want (1000, true)", ts, ok)
	}
	if f.emit.count() != 0 {
		t.Fatal("seeding sweep announced")
	}

	// sweep 301s later with fetched timestamp 2000 -> exactly one announcement
	f.clock.Advance(301 * time.Second)
	f.fetch.set("123", 2000)
	f.svc.Sweep(ctx)
	if f.emit.count() != 1 {
		t.Fatalf("announced %d times, want 1", f.emit.count())
	}
	got := f.emit.sent[0]
	if got.guild != "G1" || got.channel != "C1" || got.id != "123" || got.updatedAt != 2000 {
		t.Fatalf("unexpected announcement: %+v", got)
	}
	if ts, _ := f.baseline(t, "G1", "C1", store.KindAddon, "123"); ts != 2000 {
		t.Fatalf("baseline = %d, want 2000", ts)
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if !f.svc.sweeping.CompareAndSwap(false, true) {
		t.Fatal("could not mark sweep in flight")
	}
	defer f.svc.sweeping.Store(false)

	f.svc.tick()
	if n := f.svc.SkippedTicks(); n != 1 {
		t.Fatalf("SkippedTicks = %d, want 1", n)
	}
}

func TestApplyReschedulesInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.svc.Stop(context.Background())

	f.svc.Apply(Config{Interval: time.Minute, Debounce: 5 * time.Minute})
	f.svc.mu.Lock()
	got := f.svc.cfg.Interval
	f.svc.mu.Unlock()
	if got != time.Minute {
		t.Fatalf("interval = %v, want 1m", got)
	}
}
