package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomo-app/backend/internal/config"
	"github.com/nomo-app/backend/internal/content"
	"github.com/nomo-app/backend/internal/entitlement"
	"github.com/nomo-app/backend/internal/progression"
	"github.com/nomo-app/backend/internal/remote"
	"github.com/nomo-app/backend/internal/storage"
	"github.com/nomo-app/backend/internal/syncer"
	"github.com/nomo-app/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	stateDir := flag.String("state-dir", "", "Override directory for progression state")
	remoteOnly := flag.Bool("remote-only", false, "Serve only the remote progress API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *stateDir != "" {
		cfg.Storage.Dir = *stateDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *remoteOnly); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, remoteOnly bool) error {
	if remoteOnly && cfg.Remote.JWTSecret == "" {
		return errors.New("remote.jwt_secret is required in remote-only mode")
	}

	var remoteHandler http.Handler
	if cfg.Remote.Enabled || remoteOnly {
		store, err := remote.OpenSQLiteStore(cfg.Remote.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		remoteHandler = remote.NewHandler(store, []byte(cfg.Remote.JWTSecret))
		log.Printf("Remote progress store at %s", cfg.Remote.DBPath)
	}

	g, ctx := errgroup.WithContext(ctx)

	var handler http.Handler
	if remoteOnly {
		handler = remoteHandler
	} else {
		h, cleanup, err := buildLocal(ctx, g, cfg, remoteHandler)
		if err != nil {
			return err
		}
		defer cleanup()
		handler = h
	}

	srv := ws.NewHTTPServer(cfg.Addr(), handler)
	g.Go(func() error {
		log.Printf("Listening on http://%s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildLocal wires the engine and its background loops into g and returns
// the UI handler.
func buildLocal(ctx context.Context, g *errgroup.Group, cfg *config.Config, remoteHandler http.Handler) (http.Handler, func(), error) {
	kv := storage.NewFileKV(cfg.Storage.Dir)
	log.Printf("Progression state in %s", kv.Dir())

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	opts := progression.Options{
		Tables:      content.Default(),
		Storage:     kv,
		Milestones:  cfg.Progression.Milestones,
		MaxDirectXP: cfg.Progression.MaxDirectXP,
	}

	var (
		outbox *syncer.Outbox
		client *remote.Client
	)
	if cfg.Sync.Enabled {
		client = remote.NewClient(cfg.Sync.BaseURL, cfg.Sync.Token)

		var journal syncer.Journal
		if cfg.Sync.JournalPath != "" {
			j, err := syncer.OpenSQLiteJournal(cfg.Sync.JournalPath)
			if err != nil {
				return nil, cleanup, err
			}
			cleanups = append(cleanups, func() { j.Close() })
			journal = j
		}
		outbox = syncer.NewOutbox(client, journal, cfg.Sync.MaxAttempts)
		outbox.OnResult(func(res syncer.Result) {
			if res.Dropped {
				log.Printf("Sync job %s (%s) dropped after %d attempts: %v", res.Job.ID, res.Job.Kind, res.Job.Attempts, res.Err)
			}
		})
		opts.Remote = outbox
	}

	engine, err := progression.New(opts)
	if err != nil {
		return nil, cleanup, err
	}
	if engine.Degraded() {
		log.Printf("Progression storage unavailable, running in memory")
	}

	ent := entitlement.NewCache(kv, cfg.Subscription.Multipliers)
	broadcaster := ws.NewBroadcaster(engine, cfg.Server.BroadcastThrottle, cfg.Server.MaxConnections)
	unsubscribe := engine.Subscribe(broadcaster.HandleEvent)
	cleanups = append(cleanups, unsubscribe, broadcaster.Stop)

	server := ws.NewServer(engine, ent, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	if outbox != nil {
		puller := syncer.NewPuller(client, engine, cfg.Sync.PollInterval)
		server.SetSyncer(puller)
		g.Go(func() error { return outbox.Run(ctx) })
		g.Go(func() error { return puller.Run(ctx) })
		log.Printf("Syncing progress with %s", cfg.Sync.BaseURL)
	}

	if cfg.Storage.WatchInterval > 0 {
		g.Go(func() error {
			return kv.Watch(ctx, progression.StateKey, cfg.Storage.WatchInterval, func() {
				if engine.Reload() {
					log.Printf("Progression reloaded after external write")
				}
			})
		})
	}

	if remoteHandler != nil {
		server.Mount("/remote", remoteHandler)
	}

	return server.Handler(), cleanup, nil
}
