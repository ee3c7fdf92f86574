package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently seen delivery ids via SETNX with a TTL.
// Best-effort only: a Redis failure reports the id as unseen, which at
// worst re-admits a duplicate the downstream claim protocol absorbs.
type Deduper struct {
	RDB    *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewDeduper(rdb *redis.Client) *Deduper {
	return &Deduper{RDB: rdb, Prefix: "webhook:seen:", TTL: 24 * time.Hour}
}

// Seen marks id as seen and reports whether it had been seen before.
func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	set, err := d.RDB.SetNX(ctx, d.Prefix+id, "1", d.TTL).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
