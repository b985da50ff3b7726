// Package api serves the governance HTTP routes and the notice relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nbd-wtf/go-nostr"

	"circles/src/lib"
	"circles/src/notify"
	"circles/src/services"
	"circles/src/storage"
	"circles/src/storage/memory"
)

// Server wires the governance services, the notice relay and the HTTP listener.
type Server struct {
	cfg        lib.Config
	logger     *slog.Logger
	metrics    *lib.Metrics
	db         *pgxpool.Pool
	events     *slicestore.SliceStore
	httpServer *http.Server
}

type repositories struct {
	circles storage.CircleRepository
	invites storage.InviteRepository
	votes   storage.VoteRepository
}

func NewServer(ctx context.Context, cfg lib.Config) (*Server, error) {
	logger := lib.NewLogger(cfg.LogLevel)
	metrics := lib.NewMetrics()

	var (
		repos repositories
		db    *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case lib.StoreDriverMemory:
		store := memory.New()
		repos = repositories{circles: store, invites: store, votes: store}
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err := storage.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := applyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
		repos = repositories{
			circles: storage.NewCircleRepo(pool),
			invites: storage.NewInviteRepo(pool),
			votes:   storage.NewVoteRepo(pool),
		}
	}

	events := &slicestore.SliceStore{}
	if err := events.Init(); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("init notice store: %w", err)
	}

	relay, err := buildRelay(cfg, repos, events, logger, metrics)
	if err != nil {
		events.Close()
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           relay,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		db:         db,
		events:     events,
		httpServer: httpServer,
	}, nil
}

// buildRelay assembles the services over repos and mounts their routes on the
// relay's mux. The relay itself serves the signed governance notices.
func buildRelay(cfg lib.Config, repos repositories, events *slicestore.SliceStore, logger *slog.Logger, metrics *lib.Metrics) (*khatru.Relay, error) {
	khatruRelay := khatru.NewRelay()
	khatruRelay.Info.Name = "circles"
	khatruRelay.Info.Description = "circle governance notices"
	khatruRelay.Info.PubKey = cfg.RelayPubKey

	wireKhatruHooks(khatruRelay, events, cfg.RelayPubKey)

	nostrNotifier, err := notify.NewNostrNotifier(cfg.RelayPrivKey, events, func(event *nostr.Event) {
		khatruRelay.BroadcastEvent(event)
	})
	if err != nil {
		return nil, err
	}
	notifier := notify.NewFanout(nostrNotifier, notify.NewLogSink(logger))

	guard := services.NewGuard(repos.circles)
	members := services.NewMembershipService(repos.circles, guard, notifier, metrics, logger)
	invites := services.NewInviteService(repos.invites, repos.circles, guard, metrics, logger, cfg.DefaultInviteExpiryDays, cfg.MaxInviteUses)
	votes := services.NewVoteEngine(repos.votes, repos.circles, guard, notifier, metrics, logger, cfg.DefaultVoteExpiryDays, cfg.MaxVoteExpiryDays)

	mux := khatruRelay.Router()
	RegisterRoutes(mux, Routes{
		Members: members,
		Invites: invites,
		Votes:   votes,
		Limiter: services.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMinute),
		Metrics: metrics,
		Logger:  logger,
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot())
	})
	return khatruRelay, nil
}

func (s *Server) Start() error {
	s.logger.Info("circles server starting", "addr", s.cfg.HTTPAddr, "store", s.cfg.StoreDriver)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer func() {
		s.events.Close()
		if s.db != nil {
			s.db.Close()
		}
	}()
	return s.httpServer.Shutdown(ctx)
}

func applyMigrations(ctx context.Context, db *pgxpool.Pool) error {
	files := make([]string, 0)
	if err := filepath.WalkDir("src/storage/migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".sql" {
			files = append(files, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk migration files: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		sql, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path, err)
		}
	}
	return nil
}

// wireKhatruHooks backs the relay with the notice store. Only events signed
// by the relay key are accepted; clients subscribe, they do not publish.
func wireKhatruHooks(relay *khatru.Relay, events *slicestore.SliceStore, relayPubKey string) {
	relay.RejectEvent = append(relay.RejectEvent, func(_ context.Context, event *nostr.Event) (bool, string) {
		if !strings.EqualFold(event.PubKey, relayPubKey) {
			return true, "restricted: governance notices are published by the relay only"
		}
		return false, ""
	})
	relay.StoreEvent = append(relay.StoreEvent, events.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, events.QueryEvents)
	relay.CountEvents = append(relay.CountEvents, events.CountEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, events.DeleteEvent)
}
