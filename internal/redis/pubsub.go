package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the topic job ids are announced on.
const DefaultChannel = "new_jobs"

// Bus is a fire-and-forget notification fan-out over Redis pub/sub.
// No delivery, ordering, or single-delivery guarantee: it is a latency
// optimization layered over the correctness-bearing poll loop, and
// consumers must tolerate duplicate and missed payloads.
type Bus struct {
	RDB     *redis.Client
	Channel string
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{RDB: rdb, Channel: DefaultChannel}
}

func (b *Bus) channel() string {
	if b.Channel != "" {
		return b.Channel
	}
	return DefaultChannel
}

// Publish announces a job id to whoever is listening right now.
func (b *Bus) Publish(ctx context.Context, jobID string) error {
	return b.RDB.Publish(ctx, b.channel(), jobID).Err()
}

// Subscribe returns a channel of job ids that closes when ctx is done.
// Slow consumers drop messages rather than block the receive loop; the
// poll path covers anything dropped here.
func (b *Bus) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := b.RDB.Subscribe(ctx, b.channel())
	// Confirm the subscription before handing the channel out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				default:
				}
			}
		}
	}()
	return out, nil
}
