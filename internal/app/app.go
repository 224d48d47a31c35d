// Package app assembles the service: store, upstream client, feed cache,
// merge engine, archive and channel managers, scheduler and notifier. Its
// methods are the operations the HTTP layer is allowed to invoke.
package app

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/epgmerge/internal/archive"
	"github.com/snapetech/epgmerge/internal/channels"
	"github.com/snapetech/epgmerge/internal/config"
	"github.com/snapetech/epgmerge/internal/feedcache"
	"github.com/snapetech/epgmerge/internal/health"
	"github.com/snapetech/epgmerge/internal/httpclient"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/notify"
	"github.com/snapetech/epgmerge/internal/scheduler"
	"github.com/snapetech/epgmerge/internal/store"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// App is the assembled service.
type App struct {
	Cfg      *config.Config
	Store    *store.Store
	Upstream *upstream.Client
	Cache    *feedcache.Cache
	Engine   *merge.Engine
	Archive  *archive.Manager
	Channels *channels.Manager
	Notifier *notify.Notifier
	Flight   *merge.Flight
	Sched    *scheduler.Scheduler
	Health   *health.Upstream

	mu       sync.Mutex
	jobSubs  []func(store.Job)
	nextSubs []func(time.Time)
}

// New opens the store, applies the optional settings seed, and wires every
// component. Directory locations come from the settings view, so values a
// user persisted earlier survive process restarts; changing a directory
// setting takes effect on the next start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("app: ensure dirs: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), store.Defaults(store.DirDefaults{
		Current:  cfg.CurrentDir(),
		Archive:  cfg.ArchiveDir(),
		Channels: cfg.ChannelsDir(),
		Tmp:      cfg.TmpDir(),
		Cache:    cfg.CacheDir(),
	}))
	if err != nil {
		return nil, err
	}

	if seed, err := config.LoadSeed(cfg.SeedPath()); err != nil {
		log.Printf("app: settings seed: %v", err)
	} else if len(seed) > 0 {
		if n, err := st.SeedSettings(seed); err != nil {
			log.Printf("app: apply settings seed: %v", err)
		} else if n > 0 {
			log.Printf("app: seeded %d setting(s) from %s", n, cfg.SeedPath())
		}
	}

	settings, err := st.Settings()
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, dir := range []string{
		settings.CurrentDir(), settings.ArchiveDir(), settings.ChannelsDir(),
		settings.TmpDir(), settings.CacheDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			st.Close()
			return nil, fmt.Errorf("app: ensure %s: %w", dir, err)
		}
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.FetchRate), cfg.FetchBurst)
	up := upstream.NewClient(cfg.UpstreamURL, limiter)
	cache := feedcache.New(settings.CacheDir(), up)

	a := &App{
		Cfg:      cfg,
		Store:    st,
		Upstream: up,
		Cache:    cache,
		Engine:   &merge.Engine{Fetch: cache, TmpDir: settings.TmpDir(), MemoryCapMB: cfg.MemoryCapMB},
		Archive:  &archive.Manager{Store: st, TmpDir: settings.TmpDir(), CurrentDir: settings.CurrentDir(), ArchiveDir: settings.ArchiveDir()},
		Channels: &channels.Manager{Store: st, Dir: settings.ChannelsDir()},
		Notifier: notify.New(httpclient.WithTimeout(15 * time.Second)),
		Flight:   merge.NewFlight(),
		Health:   health.NewUpstream(up.BaseURL, nil),
	}
	a.Sched = scheduler.New(scheduler.Config{
		Store:     st,
		Engine:    a.Engine,
		Archive:   a.Archive,
		Channels:  a.Channels,
		Notifier:  a.Notifier,
		Flight:    a.Flight,
		OnJob:     a.emitJob,
		OnNextRun: a.emitNextRun,
	})
	return a, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// OnJob registers fn to receive every job state transition. Handlers must
// not block.
func (a *App) OnJob(fn func(store.Job)) {
	a.mu.Lock()
	a.jobSubs = append(a.jobSubs, fn)
	a.mu.Unlock()
}

// OnNextRun registers fn to receive next-activation changes.
func (a *App) OnNextRun(fn func(time.Time)) {
	a.mu.Lock()
	a.nextSubs = append(a.nextSubs, fn)
	a.mu.Unlock()
}

func (a *App) emitJob(j store.Job) {
	a.mu.Lock()
	subs := make([]func(store.Job), len(a.jobSubs))
	copy(subs, a.jobSubs)
	a.mu.Unlock()
	for _, fn := range subs {
		fn(j)
	}
}

func (a *App) emitNextRun(t time.Time) {
	a.mu.Lock()
	subs := make([]func(time.Time), len(a.nextSubs))
	copy(subs, a.nextSubs)
	a.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}
