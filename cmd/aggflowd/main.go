// Command aggflowd runs the bank domain on the aggregate runtime.
//
// Events go to NATS JetStream when NATS_URL is set and stay in memory
// otherwise. Unit-of-work bags go to Postgres when POSTGRES_DSN is set, then
// to a NATS key/value bucket, then to memory.
//
// On start a sample batch of commands is handled, including a bulk replay.
// Prometheus metrics are served on METRICS_ADDR until the process is
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/aggflow/adapters/nats"
	"github.com/codewandler/aggflow/adapters/postgres"
	promadapter "github.com/codewandler/aggflow/adapters/prometheus"
	"github.com/codewandler/aggflow/core/app"
	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/outbox"
	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
	"github.com/codewandler/aggflow/internal/bank"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := parseConfig()
	if err != nil {
		slog.Error("invalid config", slog.Any("error", err))
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("aggflowd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	var cleanup closers
	defer cleanup.close()

	reg := prometheus.NewRegistry()
	metrics := promadapter.NewAllMetrics(reg)

	appCfg := app.Config{
		Context:     ctx,
		Log:         log,
		Aggregates:  []es.Aggregate{new(bank.Account)},
		ESMetrics:   metrics.ES,
		UoWMetrics:  metrics.UoW,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Transport:   &logTransport{log: log},
		DeadLetter: func(msg pipeline.Message, err error) {
			log.Error("dead letter", slog.String("id", msg.ID), slog.String("type", msg.Type), slog.Any("error", err))
		},
	}

	if cfg.NatsURL != "" {
		connect := nats.ReuseConnection(nats.ConnectURL(cfg.NatsURL))

		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect: connect,
			Log:     log,
			Metrics: metrics.ES,
		})
		if err != nil {
			return fmt.Errorf("event store: %w", err)
		}
		cleanup.add(func() { _ = store.Close() })
		appCfg.Store = store

		out, err := nats.NewOutboxTransport(nats.OutboxConfig{
			Connect:    connect,
			Log:        log,
			StreamName: "aggflow_outbox",
		})
		if err != nil {
			return fmt.Errorf("outbox transport: %w", err)
		}
		cleanup.add(out.Close)
		appCfg.Transport = out

		if cfg.PostgresDSN == "" {
			kvs, err := nats.NewKvStore(nats.KvConfig{
				Connect: connect,
				Bucket:  "aggflow_bags",
				TTL:     cfg.BagTTL,
			})
			if err != nil {
				return fmt.Errorf("bag bucket: %w", err)
			}
			cleanup.add(kvs.Close)
			appCfg.Bags = uow.NewKVBagStore(kvs, uow.WithBagTTL(cfg.BagTTL))
		}
	}

	if cfg.PostgresDSN != "" {
		bags, closeDB, err := openBagStore(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		cleanup.add(closeDB)
		appCfg.Bags = bags
	}

	a, err := app.New(appCfg, func(mux *pipeline.Mux, repo es.Repository) {
		bank.NewHandlers(repo).Register(mux)
	})
	if err != nil {
		return err
	}
	defer a.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics server starting", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := sample(gctx, a, log); err != nil {
			return fmt.Errorf("sample batch: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func openBagStore(ctx context.Context, cfg config, log *slog.Logger) (uow.BagStore, func(), error) {
	var (
		db      postgres.DB
		closeDB func()
	)
	switch cfg.PostgresDriver {
	case "sqlx":
		conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		db, closeDB = postgres.NewSQLXAdapter(conn), func() { _ = conn.Close() }
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		db, closeDB = postgres.NewPGXAdapter(pool), pool.Close
	}
	if _, err := db.Exec(ctx, postgres.Schema); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info("bags stored in postgres", slog.String("driver", cfg.PostgresDriver))
	return postgres.NewBagStore(db, postgres.WithLog(log)), closeDB, nil
}

// sample opens two accounts, moves money between them and replays a batch
// of deposits in one cycle.
func sample(ctx context.Context, a *app.App, log *slog.Logger) error {
	// fresh ids, the store may keep the accounts of earlier runs
	run := pipeline.NewID()
	alice, bob := "alice-"+run, "bob-"+run

	steps := []struct {
		typ     string
		payload any
	}{
		{bank.MsgOpen, bank.OpenAccount{AccountID: alice, Owner: "Alice"}},
		{bank.MsgOpen, bank.OpenAccount{AccountID: bob, Owner: "Bob"}},
		{bank.MsgDeposit, bank.Deposit{AccountID: alice, Amount: 2500}},
		{bank.MsgTransfer, bank.Transfer{From: alice, To: bob, Amount: 400}},
		{bank.MsgWithdraw, bank.Withdraw{AccountID: alice, Amount: bank.LargeWithdrawal}},
	}
	for _, s := range steps {
		if err := a.Send(ctx, s.typ, s.payload); err != nil {
			return err
		}
	}

	var delayed []pipeline.DelayedMessage
	for _, amount := range []int64{10, 20, 30} {
		m, err := pipeline.NewMessage(bank.MsgDeposit, bank.Deposit{AccountID: bob, Amount: amount})
		if err != nil {
			return err
		}
		delayed = append(delayed, m.Defer())
	}
	if err := a.Send(ctx, "bank.replay", nil, pipeline.WithDelayed(delayed...)); err != nil {
		return err
	}
	if err := a.Wait(); err != nil {
		return err
	}

	accounts := es.NewTypedRepositoryFrom[*bank.Account](a.Env().Repository())
	for _, id := range []string{alice, bob} {
		acc, err := accounts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		log.Info("balance", slog.String("account", id), slog.Int64("balance", acc.Balance), slog.Uint64("version", uint64(acc.Version())))
	}
	return nil
}

// logTransport delivers outbox messages to the log when no broker is
// configured.
type logTransport struct {
	log *slog.Logger
}

func (t *logTransport) Deliver(_ context.Context, msg pipeline.Message) error {
	t.log.Info("outbox",
		slog.String("id", msg.ID),
		slog.String("type", msg.Type),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}

var _ outbox.Transport = (*logTransport)(nil)
