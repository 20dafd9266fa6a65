package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shelfscan/backend/internal/backend"
	"github.com/kimhsiao/shelfscan/backend/internal/config"
	"github.com/kimhsiao/shelfscan/backend/internal/db"
	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/events"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the save queue processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// persisterCloser is a persister that owns a connection.
type persisterCloser struct {
	savequeue.Persister
	close func()
}

func newPersister(ctx context.Context, cfg *config.Config) (persisterCloser, error) {
	switch cfg.Backend.Kind {
	case config.BackendPostgres:
		p, err := backend.NewPostgresPersister(ctx, cfg.Backend.Postgres.URL)
		if err != nil {
			return persisterCloser{}, err
		}
		return persisterCloser{Persister: p, close: p.Close}, nil
	case config.BackendREST:
		p, err := backend.NewRESTPersister(backend.RESTConfig{
			BaseURL: cfg.Backend.REST.URL,
			APIKey:  cfg.Backend.REST.APIKey,
			Table:   cfg.Backend.REST.Table,
			Timeout: cfg.Queue.SaveTimeout,
		})
		if err != nil {
			return persisterCloser{}, err
		}
		return persisterCloser{Persister: p, close: func() {}}, nil
	}
	return persisterCloser{}, apperrors.New(apperrors.ErrConfig, "unknown backend kind "+cfg.Backend.Kind)
}

// services is everything serve starts, in the order it is torn down.
type services struct {
	database  *db.DB
	repo      *db.Repository
	persister persisterCloser
	hub       *events.Hub
	redis     *events.RedisPublisher
	queue     *savequeue.Queue
}

// start opens the journal, builds the queue with its event sinks and
// restores unfinished work. It does not start processing.
func start(ctx context.Context, cfg *config.Config) (*services, error) {
	rt := &services{}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open journal", err)
	}
	rt.database = database
	if err := db.Migrate(database.DB); err != nil {
		rt.close()
		return nil, err
	}
	rt.repo = db.NewRepository(database.DB)

	rt.persister, err = newPersister(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.hub = events.NewHub()
	onFailed := rt.hub.FailureHandler(savequeue.LogFailure)
	if cfg.Events.Redis.Addr != "" {
		rt.redis = events.NewRedisPublisher(cfg.Events.Redis.Addr, cfg.Events.Redis.Channel)
		if err := rt.redis.Ping(ctx); err != nil {
			logging.Warn("Redis unreachable, queue events will not reach other terminals until it recovers", map[string]interface{}{
				"addr":  cfg.Events.Redis.Addr,
				"error": err.Error(),
			})
		}
		onFailed = rt.redis.FailureHandler(onFailed)
	}

	rt.queue, err = savequeue.New(savequeue.Config{
		Persister:    rt.persister,
		RetryCeiling: cfg.Queue.RetryCeiling,
		Backoff: savequeue.ExponentialBackoff{
			Base: cfg.Queue.BackoffBase,
			Max:  cfg.Queue.BackoffMax,
		},
		PollInterval: cfg.Queue.PollInterval,
		SaveTimeout:  cfg.Queue.SaveTimeout,
		Journal:      rt.repo,
		OnFailed:     onFailed,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.queue.Subscribe(rt.hub.Listener())
	if rt.redis != nil {
		rt.queue.Subscribe(rt.redis.Listener())
	}

	pruned, err := rt.repo.PruneSaveQueueRecords(ctx, time.Now().Add(-cfg.Queue.JournalRetention))
	if err != nil {
		logging.Warn("Save queue journal prune failed", map[string]interface{}{"error": err.Error()})
	} else if pruned > 0 {
		logging.Info("Pruned finished save queue records", map[string]interface{}{
			"pruned":    pruned,
			"retention": cfg.Queue.JournalRetention.String(),
		})
	}

	if _, err := rt.queue.Restore(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *services) close() {
	if rt.queue != nil {
		rt.queue.Stop()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.persister.close != nil {
		rt.persister.close()
	}
	if rt.repo != nil {
		rt.repo.Close()
	}
	if rt.database != nil {
		rt.database.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.queue.Start(context.WithoutCancel(ctx))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newHandler(rt.queue, rt.hub),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Info("shelfscan listening", map[string]interface{}{
			"addr":    cfg.HTTP.Addr,
			"backend": cfg.Backend.Kind,
		})
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logging.Info("Shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}

	stats := rt.queue.Stats()
	logging.Info("Save queue state at shutdown", map[string]interface{}{
		"pending": stats.Pending,
		"saving":  stats.Saving,
		"failed":  stats.Failed,
	})
	return nil
}
