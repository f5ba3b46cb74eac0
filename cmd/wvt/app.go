package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/archive"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/bridge"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/config"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/link"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/logging"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote/kafkanotify"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote/libsqlstore"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote/pgstore"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// appOptions selects which collaborators a command needs.
type appOptions struct {
	// network enables the remote store and the device link.
	network bool
	// watch starts the scratch directory watcher.
	watch bool
	// verbose copies logs to stderr.
	verbose bool
}

// app is one opened device.
type app struct {
	sink   *logging.Sink
	lock   *store.DirLock
	store  *store.Store
	remote remote.Store
	coord  *coordinator.Coordinator
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	sink, err := logging.Open(logging.Options{
		File:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      !opts.verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	a := &app{sink: sink}

	a.lock, err = store.Lock(cfg.DataDir)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.store, err = store.Open(cfg.DBPath(), store.WithLogger(sink.Logger("store")))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("%w: %v", syncerr.ErrStoreUnavailable, err)
	}

	deps := coordinator.Deps{Store: a.store}

	archiver, err := openArchiver(a)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	deps.Archiver = archiver
	if opts.watch {
		watcher, err := archive.NewScratchWatcher(cfg.Scratch.Dir, cfg.Scratch.Debounce)
		if err != nil {
			sink.Logger("archive").Printf("Warning: scratch watcher unavailable: %v", err)
		} else {
			deps.Watcher = watcher
		}
	}

	if opts.network {
		if cfg.Remote.Driver != config.DriverNone {
			// The remote is optional at runtime: records stay local and each
			// sync retries the connection until it comes back.
			lazy := remote.NewLazy(func(ctx context.Context) (remote.Store, remote.Notifier, error) {
				rs, n, err := openRemote(ctx, sink)
				if err != nil {
					sink.Logger("remote").Printf("sync pending: %v", err)
					if rs != nil {
						_ = rs.Close()
					}
					return nil, nil, err
				}
				return rs, n, nil
			}, 0)
			_, _ = lazy.Connect(ctx)
			deps.Remote, deps.Notifier = lazy, lazy.Notifier()
			a.remote = lazy
		}
		if t := openTransport(sink); t != nil {
			deps.Link = link.NewChannel(t, sink.Logger("link"))
		}
	}

	ccfg := coordinator.DefaultConfig(cfg.Role())
	ccfg.SweepInterval = cfg.Archive.SweepInterval
	ccfg.Logger = sink.Logger("coordinator")
	ccfg.Bridge = bridge.Config{
		PageSize:  cfg.Remote.PageSize,
		OpTimeout: cfg.Remote.Timeout,
		Logger:    sink.Logger("bridge"),
	}
	a.coord, err = coordinator.New(deps, ccfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.coord.Start(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func openArchiver(a *app) (*archive.Archiver, error) {
	if err := os.MkdirAll(cfg.Scratch.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	// The default archive folder lives in the data directory and is always
	// mounted. A user-chosen folder is not created: its absence means the
	// volume is not mounted.
	if cfg.Archive.Dir == filepath.Join(cfg.DataDir, "archive") {
		if err := os.MkdirAll(cfg.Archive.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	acfg := archive.DefaultConfig()
	acfg.ScratchDir = cfg.Scratch.Dir
	acfg.OrphanGrace = cfg.Scratch.OrphanGrace
	acfg.MaxProbe = cfg.Archive.MaxProbe
	acfg.Logger = a.sink.Logger("archive")
	return archive.New(afero.NewOsFs(), archive.NewOsNamespace(cfg.Archive.Dir), a.store, acfg), nil
}

func openRemote(ctx context.Context, sink *logging.Sink) (remote.Store, remote.Notifier, error) {
	var (
		rs       remote.Store
		notifier remote.Notifier
	)
	switch cfg.Remote.Driver {
	case config.DriverNone:
		return nil, nil, nil
	case config.DriverLibSQL:
		s, err := libsqlstore.Open(ctx, cfg.Remote.URL, cfg.Remote.AuthToken)
		if err != nil {
			return nil, nil, err
		}
		rs = s
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Remote.URL, sink.Logger("pgstore"))
		if err != nil {
			return nil, nil, err
		}
		rs, notifier = s, s
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}

	if len(cfg.Remote.Kafka.Brokers) > 0 {
		kcfg := kafkanotify.Config{
			Brokers: cfg.Remote.Kafka.Brokers,
			Topic:   cfg.Remote.Kafka.Topic,
			GroupID: "wvt-" + deviceName(),
			Device:  deviceName(),
			Logger:  sink.Logger("kafka"),
		}
		pub, err := kafkanotify.NewPublisher(rs, kcfg)
		if err != nil {
			return rs, notifier, err
		}
		rs = pub
		if notifier == nil {
			listener, err := kafkanotify.NewListener(kcfg)
			if err != nil {
				return rs, nil, err
			}
			notifier = listener
		}
	}
	return rs, notifier, nil
}

func openTransport(sink *logging.Sink) link.Transport {
	if cfg.Role() == workout.OriginPrimary {
		if cfg.Link.Listen == "" {
			return nil
		}
		return link.NewWSServer(link.WSServerConfig{
			Addr:         cfg.Link.Listen,
			Pairing:      link.Pairing{Secret: cfg.Link.Secret},
			WriteTimeout: cfg.Link.WriteTimeout,
			Logger:       sink.Logger("link"),
		})
	}
	if cfg.Link.URL == "" {
		return nil
	}
	return link.NewWSDialer(link.WSDialerConfig{
		URL:            cfg.Link.URL,
		Token:          cfg.Link.Token,
		RedialInterval: cfg.Link.RedialInterval,
		WriteTimeout:   cfg.Link.WriteTimeout,
		Logger:         sink.Logger("link"),
	})
}

func deviceName() string {
	if cfg.Device.Name != "" {
		return cfg.Device.Name
	}
	if host, err := os.Hostname(); err == nil {
		return host + "-" + string(cfg.Role())
	}
	return string(cfg.Role())
}

// close shuts the device down, giving in-flight work until ctx expires.
func (a *app) close(ctx context.Context) {
	if a.coord != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := a.coord.Shutdown(shutdownCtx); err != nil {
			a.sink.Logger("coordinator").Printf("Warning: %v", err)
		}
		cancel()
	}
	if a.remote != nil {
		_ = a.remote.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
	_ = a.sink.Close()
}
