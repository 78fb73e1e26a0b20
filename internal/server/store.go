package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/quotagate/internal/config"
	"github.com/3xpluto/quotagate/internal/counter"
)

const startupProbeTimeout = 2 * time.Second

// Stores is the primary counter backend as wired for one process. Primary
// and Breaker are nil for the memory backend.
type Stores struct {
	Backend string
	Primary counter.Store
	Breaker *counter.Guarded

	sql    *counter.SQLStore
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenStores connects the configured backend. An unreachable Redis is kept
// behind the breaker so the engine degrades until it returns; a SQL backend
// that cannot be opened leaves the process on the in-process store alone.
func OpenStores(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) *Stores {
	s := &Stores{Backend: cfg.Backend}

	var primary counter.Store
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := counter.NewRedisStore(rdb, cfg.KeyPrefix)
		pctx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
		err := rs.Ping(pctx)
		cancel()
		if err != nil {
			log.Warn("redis unreachable at startup; admission runs degraded until it recovers",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
		}
		primary = rs

	case "postgres", "sqlite":
		pctx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
		ss, err := counter.OpenSQLStore(pctx, counter.Dialect(cfg.Backend), cfg.SQL.DSN, cfg.SQL.Table)
		cancel()
		if err != nil {
			log.Warn("sql store unavailable; falling back to in-process counters",
				slog.String("backend", cfg.Backend),
				slog.String("error", err.Error()),
			)
			s.Backend = "memory"
			return s
		}
		s.sql = ss
		primary = ss
	}

	if primary == nil {
		return s
	}
	g := counter.NewGuarded(primary, counter.BreakerConfig{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		OpenDuration:        time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		HalfOpenMaxInFlight: cfg.Breaker.HalfOpenMaxInFlight,
	})
	s.Primary = g
	s.Breaker = g
	return s
}

// StartSweeper deletes expired SQL rows every interval until Close. It is a
// no-op for backends with native expiry.
func (s *Stores) StartSweeper(interval time.Duration, log *slog.Logger) {
	if s.sql == nil || interval <= 0 || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				sctx, scancel := context.WithTimeout(ctx, interval/2)
				n, err := s.sql.Sweep(sctx, now)
				scancel()
				if err != nil {
					log.Warn("counter sweep failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					log.Debug("counter sweep", slog.Int64("deleted", n))
				}
			}
		}
	}()
}

func (s *Stores) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.Primary != nil {
		return s.Primary.Close()
	}
	return nil
}
