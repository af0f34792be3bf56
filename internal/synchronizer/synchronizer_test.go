package synchronizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxy-pool-dashboard/internal/snapshot"
	"github.com/proxy-pool-dashboard/internal/types"
)

var errPoolDown = errors.New("pool down")

// fakeAPI is an in-memory pool. Each refresh reads stats exactly once, so
// statsReads counts refresh cycles.
type fakeAPI struct {
	mu       sync.Mutex
	proxies  []types.Proxy
	config   types.PoolConfig
	stats    types.Stats
	readErr  error
	writeErr error

	// proxiesHook, when set, replaces GetProxies.
	proxiesHook func(ctx context.Context) (*types.ProxyList, error)

	statsReads atomic.Int32
	added      []types.ProxyDraft
	deleted    []string
	imports    [][]types.ProxyDraft
	configs    []types.PoolConfig
	validated  atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		proxies: []types.Proxy{{ID: "p1", Address: "1.1.1.1", Port: 80, Type: types.ProxyHTTP, Status: types.StatusActive}},
		config:  types.PoolConfig{RotationMode: types.RotationSequential, CheckInterval: 60},
		stats:   types.Stats{TotalProxies: 1, ActiveProxies: 1},
	}
}

func (f *fakeAPI) GetProxies(ctx context.Context) (*types.ProxyList, error) {
	f.mu.Lock()
	hook := f.proxiesHook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	list := make([]types.Proxy, len(f.proxies))
	copy(list, f.proxies)
	return &types.ProxyList{Proxies: list, Total: len(list)}, nil
}

func (f *fakeAPI) GetConfig(ctx context.Context) (*types.PoolConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.config
	return &cfg, nil
}

func (f *fakeAPI) GetStats(ctx context.Context) (*types.Stats, error) {
	f.statsReads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	stats := f.stats
	return &stats, nil
}

func (f *fakeAPI) AddProxy(ctx context.Context, draft types.ProxyDraft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.added = append(f.added, draft)
	return nil
}

func (f *fakeAPI) DeleteProxy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) ImportProxies(ctx context.Context, drafts []types.ProxyDraft) (*types.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.imports = append(f.imports, drafts)
	return &types.ImportResult{Message: "Proxies imported successfully", Added: len(drafts)}, nil
}

func (f *fakeAPI) ValidateProxies(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.validated.Add(1)
	return nil
}

func (f *fakeAPI) UpdateConfig(ctx context.Context, cfg types.PoolConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.configs = append(f.configs, cfg)
	f.config = cfg
	return nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestSync(t *testing.T, api PoolAPI, opts Options) (*Synchronizer, *snapshot.Manager) {
	t.Helper()
	view := snapshot.NewManager(nil, 0, nil)
	s := New(api, view, opts)
	t.Cleanup(func() {
		s.Close()
		view.Close()
	})
	return s, view
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshCommitsTriple(t *testing.T) {
	api := newFakeAPI()
	s, view := newTestSync(t, api, Options{})

	res := s.Refresh(context.Background())
	if !res.Fresh() || res.Err != nil {
		t.Fatalf("expected fresh result, got %+v", res)
	}

	got := view.Get()
	if len(got.Proxies) != 1 || got.Proxies[0].ID != "p1" {
		t.Errorf("proxies = %+v", got.Proxies)
	}
	if got.Config == nil || got.Config.RotationMode != types.RotationSequential {
		t.Errorf("config = %+v", got.Config)
	}
	if got.Stats == nil || got.Stats.TotalProxies != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}

	last, ok := s.LastResult()
	if !ok || last.Outcome != Fresh {
		t.Errorf("LastResult() = %+v, %v", last, ok)
	}
}

func TestRefreshFailureKeepsPreviousView(t *testing.T) {
	api := newFakeAPI()
	s, view := newTestSync(t, api, Options{})

	if res := s.Refresh(context.Background()); !res.Fresh() {
		t.Fatalf("first refresh failed: %v", res.Err)
	}
	before := view.Get()

	// Proxies and config would succeed with new data; only stats fails.
	api.set(func(f *fakeAPI) {
		f.proxies = []types.Proxy{{ID: "p2"}}
		f.config = types.PoolConfig{RotationMode: types.RotationRandom}
	})
	failing := &statsFailingAPI{fakeAPI: api}
	s.api = failing

	res := s.Refresh(context.Background())
	if res.Outcome != Stale || !errors.Is(res.Err, errPoolDown) {
		t.Fatalf("expected stale result wrapping errPoolDown, got %+v", res)
	}

	after := view.Get()
	if after != before {
		t.Fatal("view changed after a failed refresh")
	}
	if after.Proxies[0].ID != "p1" || after.Config.RotationMode != types.RotationSequential {
		t.Errorf("view was torn: %+v", after)
	}

	last, _ := s.LastResult()
	if last.Outcome != Stale {
		t.Errorf("LastResult().Outcome = %s, want stale", last.Outcome)
	}
}

type statsFailingAPI struct {
	*fakeAPI
}

func (f *statsFailingAPI) GetStats(ctx context.Context) (*types.Stats, error) {
	return nil, errPoolDown
}

func TestOverlappingRefreshLastSettledWins(t *testing.T) {
	api := newFakeAPI()
	s, view := newTestSync(t, api, Options{})

	var calls atomic.Int32
	release := make(chan struct{})
	api.set(func(f *fakeAPI) {
		f.proxiesHook = func(ctx context.Context) (*types.ProxyList, error) {
			if calls.Add(1) == 1 {
				<-release
				return &types.ProxyList{Proxies: []types.Proxy{{ID: "issued-first"}}, Total: 1}, nil
			}
			return &types.ProxyList{Proxies: []types.Proxy{{ID: "issued-second"}}, Total: 1}, nil
		}
	})

	firstDone := make(chan Result, 1)
	go func() { firstDone <- s.Refresh(context.Background()) }()
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	if res := s.Refresh(context.Background()); !res.Fresh() {
		t.Fatalf("second refresh failed: %v", res.Err)
	}
	if id := view.Get().Proxies[0].ID; id != "issued-second" {
		t.Fatalf("after second refresh view has %s", id)
	}

	close(release)
	if res := <-firstDone; !res.Fresh() {
		t.Fatalf("first refresh failed: %v", res.Err)
	}
	if id := view.Get().Proxies[0].ID; id != "issued-first" {
		t.Errorf("view has %s, want the response that settled last", id)
	}
}

func TestDeleteTriggersOneRefresh(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{})

	if err := s.DeleteProxy(context.Background(), "p1"); err != nil {
		t.Fatalf("DeleteProxy: %v", err)
	}
	if n := api.statsReads.Load(); n != 1 {
		t.Errorf("got %d refreshes, want 1", n)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "p1" {
		t.Errorf("deleted = %v", api.deleted)
	}
}

func TestMutationsRefreshOnSuccess(t *testing.T) {
	api := newFakeAPI()
	s, view := newTestSync(t, api, Options{})
	ctx := context.Background()

	if err := s.AddProxy(ctx, types.ProxyDraft{Address: "2.2.2.2", Port: 81, Type: types.ProxyHTTPS}); err != nil {
		t.Fatalf("AddProxy: %v", err)
	}
	cfg := types.PoolConfig{RotationMode: types.RotationLeastUsed, AutoRefresh: true, RefreshInterval: 30}
	if err := s.UpdateConfig(ctx, cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	if n := api.statsReads.Load(); n != 2 {
		t.Errorf("got %d refreshes, want 2", n)
	}
	if got, _ := view.Config(); got != cfg {
		t.Errorf("view config = %+v, want %+v", got, cfg)
	}
}

func TestFailedMutationDoesNotRefresh(t *testing.T) {
	api := newFakeAPI()
	api.writeErr = errPoolDown
	s, _ := newTestSync(t, api, Options{})
	ctx := context.Background()

	if err := s.DeleteProxy(ctx, "p1"); !errors.Is(err, errPoolDown) {
		t.Errorf("DeleteProxy error = %v", err)
	}
	if err := s.AddProxy(ctx, types.ProxyDraft{Address: "h", Port: 1, Type: types.ProxyHTTP}); !errors.Is(err, errPoolDown) {
		t.Errorf("AddProxy error = %v", err)
	}
	if _, err := s.ImportProxies(ctx, []types.ProxyDraft{{Address: "h", Port: 1}}); !errors.Is(err, errPoolDown) {
		t.Errorf("ImportProxies error = %v", err)
	}
	if err := s.ValidateAll(ctx); !errors.Is(err, errPoolDown) {
		t.Errorf("ValidateAll error = %v", err)
	}

	if n := api.statsReads.Load(); n != 0 {
		t.Errorf("got %d refreshes after failed mutations, want 0", n)
	}
}

func TestImportText(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{})

	res, err := s.ImportText(context.Background(), "1.1.1.1:80\nbroken\n2.2.2.2:81:u:p\n")
	if err != nil {
		t.Fatalf("ImportText: %v", err)
	}
	if res.Added != 2 || res.Parsed != 2 {
		t.Errorf("result = %+v, want 2 parsed and added", res)
	}
	if len(api.imports) != 1 || len(api.imports[0]) != 2 {
		t.Fatalf("imports = %+v", api.imports)
	}
	if api.imports[0][1].Username != "u" {
		t.Errorf("second draft = %+v", api.imports[0][1])
	}
	if n := api.statsReads.Load(); n != 1 {
		t.Errorf("got %d refreshes, want 1", n)
	}
}

func TestEmptyImportIsNoop(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{})

	res, err := s.ImportText(context.Background(), "\n  \nonlyaddress\n")
	if err != nil {
		t.Fatalf("ImportText: %v", err)
	}
	if res.Added != 0 {
		t.Errorf("added = %d", res.Added)
	}
	if len(api.imports) != 0 {
		t.Errorf("unexpected import call: %+v", api.imports)
	}
	if n := api.statsReads.Load(); n != 0 {
		t.Errorf("got %d refreshes, want 0", n)
	}
}

func TestValidateAllSchedulesDelayedRefresh(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{ValidateDelay: 30 * time.Millisecond})

	if err := s.ValidateAll(context.Background()); err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	if api.validated.Load() != 1 {
		t.Fatalf("validate not requested")
	}
	if n := api.statsReads.Load(); n != 0 {
		t.Fatalf("refresh ran immediately (%d)", n)
	}

	waitFor(t, 2*time.Second, func() bool { return api.statsReads.Load() == 1 })

	time.Sleep(60 * time.Millisecond)
	if n := api.statsReads.Load(); n != 1 {
		t.Errorf("got %d refreshes, want exactly 1", n)
	}
}

func TestCloseCancelsDelayedRefresh(t *testing.T) {
	api := newFakeAPI()
	view := snapshot.NewManager(nil, 0, nil)
	defer view.Close()
	s := New(api, view, Options{ValidateDelay: time.Hour})

	// The request context ending must not cancel the delayed refresh;
	// only Close does.
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.ValidateAll(ctx); err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if n := api.statsReads.Load(); n != 0 {
		t.Errorf("got %d refreshes, want 0", n)
	}
}

func TestPollerRefreshesUntilStopped(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{Interval: 10 * time.Millisecond})

	p := s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return api.statsReads.Load() >= 3 })

	p.Stop()
	p.Stop()

	stopped := api.statsReads.Load()
	time.Sleep(50 * time.Millisecond)
	if n := api.statsReads.Load(); n != stopped {
		t.Errorf("refreshes continued after Stop: %d -> %d", stopped, n)
	}
}

func TestPollerSurvivesFailures(t *testing.T) {
	api := newFakeAPI()
	api.readErr = errPoolDown
	s, view := newTestSync(t, api, Options{Interval: 10 * time.Millisecond})

	p := s.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return api.statsReads.Load() >= 2 })
	if res, _ := s.LastResult(); res.Outcome != Stale {
		t.Errorf("outcome = %s, want stale", res.Outcome)
	}
	if _, ok := view.Stats(); ok {
		t.Error("view should still be empty")
	}

	api.set(func(f *fakeAPI) { f.readErr = nil })
	waitFor(t, 2*time.Second, func() bool {
		_, ok := view.Stats()
		return ok
	})
}

func TestPollerStopsWithContext(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	p := s.Start(ctx)
	cancel()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("poller did not exit after context cancel")
	}
}
