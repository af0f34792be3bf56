package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-pool-dashboard/internal/importer"
	"github.com/proxy-pool-dashboard/internal/metrics"
	"github.com/proxy-pool-dashboard/internal/snapshot"
	"github.com/proxy-pool-dashboard/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultValidateDelay = 2 * time.Second
)

// PoolAPI is the part of the pool service the synchronizer needs.
// *client.Client implements it.
type PoolAPI interface {
	GetProxies(ctx context.Context) (*types.ProxyList, error)
	GetConfig(ctx context.Context) (*types.PoolConfig, error)
	GetStats(ctx context.Context) (*types.Stats, error)
	AddProxy(ctx context.Context, draft types.ProxyDraft) error
	DeleteProxy(ctx context.Context, id string) error
	ImportProxies(ctx context.Context, drafts []types.ProxyDraft) (*types.ImportResult, error)
	ValidateProxies(ctx context.Context) error
	UpdateConfig(ctx context.Context, cfg types.PoolConfig) error
}

type Outcome string

const (
	// Fresh means the view was replaced with the pool's current state.
	Fresh Outcome = "fresh"
	// Stale means a read failed and the previous view was kept.
	Stale Outcome = "stale"
)

// Result describes one refresh cycle.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

func (r Result) Fresh() bool { return r.Outcome == Fresh }

type Options struct {
	Interval      time.Duration
	ValidateDelay time.Duration
	Metrics       *metrics.Collector
}

// Synchronizer keeps the local view in line with the pool, on a fixed cadence
// and after every mutating action.
type Synchronizer struct {
	api           PoolAPI
	view          *snapshot.Manager
	metrics       *metrics.Collector
	interval      time.Duration
	validateDelay time.Duration

	last atomic.Value // stores Result

	// base outlives request contexts; Close cancels it.
	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(api PoolAPI, view *snapshot.Manager, opts Options) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ValidateDelay <= 0 {
		opts.ValidateDelay = DefaultValidateDelay
	}

	base, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		api:           api,
		view:          view,
		metrics:       opts.Metrics,
		interval:      opts.Interval,
		validateDelay: opts.ValidateDelay,
		base:          base,
		baseCancel:    cancel,
	}
}

// Refresh reads proxies, config and stats concurrently and commits them only
// if all three succeed. Failures are logged and reported as Stale; the view
// keeps its previous content. Overlapping refreshes commit in the order they
// finish.
func (s *Synchronizer) Refresh(ctx context.Context) Result {
	start := time.Now()

	var (
		list  *types.ProxyList
		cfg   *types.PoolConfig
		stats *types.Stats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		list, err = s.api.GetProxies(gctx)
		if err != nil {
			return fmt.Errorf("get proxies: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		cfg, err = s.api.GetConfig(gctx)
		if err != nil {
			return fmt.Errorf("get config: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stats, err = s.api.GetStats(gctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		return nil
	})

	err := g.Wait()
	res := Result{At: time.Now(), Duration: time.Since(start)}

	if err != nil {
		res.Outcome = Stale
		res.Err = err
		log.Errorf("Failed to refresh view: %v", err)
	} else {
		res.Outcome = Fresh
		s.view.Commit(list.Proxies, *cfg, *stats)
	}

	s.metrics.RecordRefresh(string(res.Outcome), res.Duration.Seconds())
	s.last.Store(res)
	return res
}

// LastResult returns the outcome of the most recent refresh, or false if none
// has finished yet.
func (s *Synchronizer) LastResult() (Result, bool) {
	res, ok := s.last.Load().(Result)
	return res, ok
}

// Poller is the handle of a running refresh loop.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start refreshes immediately and then every interval until the returned
// Poller is stopped or ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		s.Refresh(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Debug("Refresh loop stopped")
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	log.Infof("Refresh loop started (every %v)", s.interval)
	return p
}

// Stop cancels the loop, including an in-flight refresh, and waits for it to
// exit. It may be called more than once.
func (p *Poller) Stop() {
	p.cancel()
	<-p.done
}

func (s *Synchronizer) AddProxy(ctx context.Context, draft types.ProxyDraft) error {
	return s.mutate(ctx, "add", func(ctx context.Context) error {
		return s.api.AddProxy(ctx, draft)
	})
}

func (s *Synchronizer) DeleteProxy(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete", func(ctx context.Context) error {
		return s.api.DeleteProxy(ctx, id)
	})
}

func (s *Synchronizer) UpdateConfig(ctx context.Context, cfg types.PoolConfig) error {
	return s.mutate(ctx, "update_config", func(ctx context.Context) error {
		return s.api.UpdateConfig(ctx, cfg)
	})
}

// ImportProxies submits drafts as one batch. An empty batch is a no-op.
func (s *Synchronizer) ImportProxies(ctx context.Context, drafts []types.ProxyDraft) (*types.ImportResult, error) {
	s.metrics.RecordDraftsParsed(len(drafts))
	if len(drafts) == 0 {
		log.Info("Nothing to import")
		return &types.ImportResult{Message: "nothing to import"}, nil
	}

	var result *types.ImportResult
	err := s.mutate(ctx, "import", func(ctx context.Context) error {
		var err error
		result, err = s.api.ImportProxies(ctx, drafts)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Parsed = len(drafts)
	return result, nil
}

// ImportText parses bulk text and imports the resulting drafts.
func (s *Synchronizer) ImportText(ctx context.Context, text string) (*types.ImportResult, error) {
	drafts := importer.Parse(text)
	log.Infof("Parsed %d proxy drafts from import text", len(drafts))
	return s.ImportProxies(ctx, drafts)
}

// ValidateAll asks the pool to validate every proxy and schedules a single
// refresh after the validate delay. The pool gives no completion signal, so
// the refresh may still see proxies in the checking state.
func (s *Synchronizer) ValidateAll(ctx context.Context) error {
	if err := s.api.ValidateProxies(ctx); err != nil {
		s.metrics.RecordMutation("validate", "failure")
		log.Errorf("Failed to start validation: %v", err)
		return fmt.Errorf("validate: %w", err)
	}
	s.metrics.RecordMutation("validate", "success")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(s.validateDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
			s.Refresh(s.base)
		case <-s.base.Done():
		}
	}()

	return nil
}

// Close cancels delayed refreshes and waits for them to exit.
func (s *Synchronizer) Close() {
	s.baseCancel()
	s.wg.Wait()
}

func (s *Synchronizer) mutate(ctx context.Context, op string, call func(context.Context) error) error {
	if err := call(ctx); err != nil {
		s.metrics.RecordMutation(op, "failure")
		log.WithField("op", op).Errorf("Pool mutation failed: %v", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.RecordMutation(op, "success")
	s.Refresh(ctx)
	return nil
}
