package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier carries "work available" signals from enqueuers to idle
// claimers. Signals are hints; claimers still poll on their interval.
type Notifier interface {
	Notify(ctx context.Context)
	Subscribe(ctx context.Context) <-chan struct{}
}

// LocalNotifier fans signals out within one process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: map[chan struct{}]struct{}{}}
}

func (n *LocalNotifier) Notify(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that is closed when ctx ends.
func (n *LocalNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
		close(ch)
	}()
	return ch
}

// RedisNotifier publishes signals on a Redis channel so workers in other
// processes wake up as well.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "workflow-engine:jobs"
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context) {
	if err := n.rdb.Publish(ctx, n.channel, "1").Err(); err != nil {
		slog.Debug("job wakeup publish failed", "channel", n.channel, "error", err)
	}
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.rdb.Subscribe(ctx, n.channel)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
