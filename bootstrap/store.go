package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/adapters/redis"
	"github.com/artpar/quotagate/adapters/sqlite"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// Store is the shared key-value backend.
type Store interface {
	ports.KVStore
	ports.Pinger
}

// OpenedStore is a store plus the resources that must be released with it.
type OpenedStore struct {
	Store  Store
	Driver string

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	close       func() error
}

// Close stops background work and releases the backend.
func (s *OpenedStore) Close() error {
	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}
	if s.close != nil {
		return s.close()
	}
	return nil
}

// OpenStore opens the configured backend. SQLite databases are migrated
// and swept for expired rows in the background.
func OpenStore(ctx context.Context, cfg config.StoreConfig, clock ports.Clock, logger zerolog.Logger) (*OpenedStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		s := memory.NewKVStore(clock, memory.KVConfig{})
		logger.Warn().Msg("using in-memory store: usage and webhook records are lost on restart")
		return &OpenedStore{Store: s, Driver: cfg.Driver, close: s.Close}, nil

	case config.DriverRedis:
		s, err := redis.Open(ctx, redis.Config{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("key_prefix", cfg.Redis.KeyPrefix).Msg("redis store connected")
		return &OpenedStore{Store: s, Driver: cfg.Driver, close: s.Close}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		n, err := db.Migrate(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().
			Str("path", cfg.SQLite.Path).
			Int("migrations_applied", n).
			Msg("sqlite store initialized")

		s := sqlite.NewKVStore(db, clock)
		sweepCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go sweep(sweepCtx, done, s, cfg.SQLite.SweepInterval, logger)

		return &OpenedStore{
			Store:       s,
			Driver:      cfg.Driver,
			sweepCancel: cancel,
			sweepDone:   done,
			close:       db.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func sweep(ctx context.Context, done chan<- struct{}, s *sqlite.KVStore, every time.Duration, logger zerolog.Logger) {
	defer close(done)
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("sweep expired keys")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("swept expired keys")
			}
		}
	}
}
