// Package ids allocates entity ids in bulk from a shared Redis counter.
package ids

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/worldstate/internal/ecs"
)

// DefaultKey is the counter key used when none is configured.
const DefaultKey = "worldstate:entity:next"

// Redis reserves id ranges with one INCRBY per call.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis returns an allocator over client. An empty key uses DefaultKey.
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

// ReserveIDs reserves n consecutive ids.
func (r *Redis) ReserveIDs(ctx context.Context, n int) ([]ecs.ID, error) {
	if n <= 0 {
		return nil, nil
	}
	last, err := r.client.IncrBy(ctx, r.key, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve ids: %w", err)
	}

	first := last - int64(n) + 1
	if first <= 0 {
		return nil, fmt.Errorf("reserve ids: counter %q produced non-positive id %d", r.key, first)
	}
	out := make([]ecs.ID, n)
	for i := range out {
		out[i] = ecs.ID(first + int64(i))
	}
	return out, nil
}

// Floor advances the counter so later reservations start above id. It
// never moves the counter backwards.
func (r *Redis) Floor(ctx context.Context, id ecs.ID) error {
	script := redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('SET', KEYS[1], floor)
end
return 0
`)
	if err := script.Run(ctx, r.client, []string{r.key}, uint64(id)).Err(); err != nil {
		return fmt.Errorf("floor ids: %w", err)
	}
	return nil
}
