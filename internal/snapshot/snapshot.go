package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-pool-dashboard/internal/metrics"
	"github.com/proxy-pool-dashboard/internal/storage"
	"github.com/proxy-pool-dashboard/internal/types"
	log "github.com/sirupsen/logrus"
)

// Manager holds the locally cached view of the pool. The view is replaced
// whole on every commit, so readers never see proxies, config and stats from
// different refresh cycles.
type Manager struct {
	current  atomic.Value // stores *types.View
	restored atomic.Bool
	storage  storage.Storage
	metrics  *metrics.Collector

	subMu sync.Mutex
	subs  map[chan *types.View]struct{}

	// persistWanted wakes the single persister goroutine. It always saves
	// the current view, so saves never go backwards in time.
	persistWanted   chan struct{}
	persistInterval time.Duration
	stopPersist     chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// NewManager creates a manager. store may be nil, in which case nothing is
// persisted.
func NewManager(store storage.Storage, persistIntervalSeconds int, metricsCollector *metrics.Collector) *Manager {
	m := &Manager{
		storage:         store,
		metrics:         metricsCollector,
		subs:            make(map[chan *types.View]struct{}),
		persistWanted:   make(chan struct{}, 1),
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}

	m.current.Store(&types.View{Proxies: []types.Proxy{}})

	if store != nil {
		m.wg.Add(1)
		go m.persistLoop()
	}

	return m
}

// Commit atomically replaces the view with a new triple and returns it.
func (m *Manager) Commit(proxies []types.Proxy, cfg types.PoolConfig, stats types.Stats) *types.View {
	if proxies == nil {
		proxies = []types.Proxy{}
	}
	view := &types.View{
		Proxies: proxies,
		Config:  &cfg,
		Stats:   &stats,
		Updated: time.Now(),
	}

	m.current.Store(view)
	m.restored.Store(false)

	active := 0
	for _, p := range proxies {
		if p.Status == types.StatusActive {
			active++
		}
	}
	m.metrics.SetCachedProxies(len(proxies), active)
	log.Debugf("View committed: %d proxies, %d active", len(proxies), active)

	m.notify(view)

	if m.storage != nil {
		select {
		case m.persistWanted <- struct{}{}:
		default:
		}
	}

	return view
}

// Get returns the current view. Callers must not modify it.
func (m *Manager) Get() *types.View {
	return m.current.Load().(*types.View)
}

// Proxies returns a copy of the cached proxy list.
func (m *Manager) Proxies() []types.Proxy {
	view := m.Get()
	proxies := make([]types.Proxy, len(view.Proxies))
	copy(proxies, view.Proxies)
	return proxies
}

// Config returns the cached pool config, or false before the first load.
func (m *Manager) Config() (types.PoolConfig, bool) {
	view := m.Get()
	if view.Config == nil {
		return types.PoolConfig{}, false
	}
	return *view.Config, true
}

// Stats returns the cached stats, or false before the first load.
func (m *Manager) Stats() (types.Stats, bool) {
	view := m.Get()
	if view.Stats == nil {
		return types.Stats{}, false
	}
	return *view.Stats, true
}

// Restored reports whether the current view came from storage rather than
// from a refresh in this process.
func (m *Manager) Restored() bool {
	return m.restored.Load()
}

// Subscribe returns a channel that receives the latest view after each
// commit. Slow readers only see the most recent one.
func (m *Manager) Subscribe() chan *types.View {
	ch := make(chan *types.View, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *types.View) {
	m.subMu.Lock()
	delete(m.subs, ch)
	m.subMu.Unlock()
}

func (m *Manager) notify(view *types.View) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for ch := range m.subs {
		select {
		case ch <- view:
			continue
		default:
		}
		// Drop the stale pending view and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}

// persistCurrent saves the current view. The empty initial view is never
// written, so a saved view survives a restart that fails to refresh.
func (m *Manager) persistCurrent() {
	view := m.Get()
	if view.Config == nil {
		return
	}

	if err := m.storage.Save(view); err != nil {
		log.Errorf("Failed to persist view: %v", err)
	} else {
		log.Debugf("View persisted: %d proxies", len(view.Proxies))
	}
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.persistInterval > 0 {
		ticker := time.NewTicker(m.persistInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-m.persistWanted:
			m.persistCurrent()
		case <-tick:
			m.persistCurrent()
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage restores the last saved view. It is marked as restored
// until the next commit.
func (m *Manager) LoadFromStorage() error {
	if m.storage == nil {
		return nil
	}

	view, err := m.storage.Load()
	if err != nil {
		return err
	}

	if view == nil {
		log.Info("No saved view in storage")
		return nil
	}

	if view.Proxies == nil {
		view.Proxies = []types.Proxy{}
	}
	m.current.Store(view)
	m.restored.Store(true)
	log.Infof("Restored view from storage: %d proxies (updated %s)", len(view.Proxies), view.Updated.Format(time.RFC3339))
	return nil
}

// Close stops background persistence and saves the view one last time.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		m.wg.Wait()

		if m.storage != nil {
			m.persistCurrent()
		}
	})
}
