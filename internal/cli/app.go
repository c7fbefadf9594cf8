package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/worldstate/internal/batcher"
	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ids"
	"github.com/roach88/worldstate/internal/store"
)

// loadCatalog loads the configured catalogue directory.
func (o *RootOptions) loadCatalog() (*catalog.Catalog, error) {
	return catalog.LoadDir(o.Config.Catalog)
}

// optionalCatalog is loadCatalog for commands that can work without
// content: a missing directory yields nil.
func (o *RootOptions) optionalCatalog() (*catalog.Catalog, error) {
	if _, err := os.Stat(o.Config.Catalog); errors.Is(err, fs.ErrNotExist) {
		o.Logger.Debug("no catalogue, item ids are not checked", "dir", o.Config.Catalog)
		return nil, nil
	}
	return o.loadCatalog()
}

func (o *RootOptions) openStore(cat *catalog.Catalog) (*store.Store, error) {
	var opts []store.Option
	if cat != nil {
		opts = append(opts, store.WithItems(cat))
	}
	return store.Open(o.Config.Data.Store, opts...)
}

func (o *RootOptions) openBus() (*bus.Bus, error) {
	return bus.Open(o.Config.Data.Bus,
		bus.WithRetention(o.Config.Bus.Retention),
		bus.WithMaxLen(o.Config.Bus.MaxLen),
		bus.WithLogger(o.Logger),
	)
}

func (o *RootOptions) subscribeOptions() bus.SubscribeOptions {
	c := o.Config.Bus
	return bus.SubscribeOptions{
		BatchSize:         c.BatchSize,
		Block:             c.Block,
		AckTTL:            c.AckTTL,
		ReclaimMultiplier: c.ReclaimMultiplier,
		IdleConsumerTTL:   c.IdleConsumerTTL,
	}
}

// idAllocator returns the Redis allocator when one is configured, else
// the store's own sequence. The Redis counter is first raised above every
// id in the store. close releases the Redis client.
func (o *RootOptions) idAllocator(ctx context.Context, st *store.Store) (alloc batcher.IDAllocator, close func() error, err error) {
	if o.Config.IDs.RedisAddr == "" {
		return st, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: o.Config.IDs.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", o.Config.IDs.RedisAddr, err)
	}
	maxID, err := st.MaxID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	r := ids.NewRedis(client, o.Config.IDs.RedisKey)
	if err := r.Floor(ctx, maxID); err != nil {
		client.Close()
		return nil, nil, err
	}
	return r, client.Close, nil
}
