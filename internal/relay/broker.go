package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker carries frames between relay instances, so a message accepted by
// one instance reaches members connected to another.
type Broker interface {
	Publish(ctx context.Context, msg BroadcastMessage) error
	// Subscribe delivers every published message until ctx is done.
	Subscribe(ctx context.Context) (<-chan BroadcastMessage, error)
}

// Presence counts live connections per user across all instances. Join and
// Leave return the resulting online set in ascending id order.
type Presence interface {
	Join(ctx context.Context, userID int) ([]int, error)
	Leave(ctx context.Context, userID int) ([]int, error)
}

// ---------------------------------------------
// Redis
// ---------------------------------------------

const (
	broadcastChannel = "cipherchat:broadcast"
	presenceKey      = "cipherchat:presence"
)

// RedisBroker implements Broker with pub/sub and Presence with a hash of
// connection counts.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, msg BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, broadcastChannel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan BroadcastMessage, error) {
	pubsub := b.rdb.Subscribe(ctx, broadcastChannel)
	// Wait for the subscription to be confirmed so nothing published after
	// we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", broadcastChannel, err)
	}

	out := make(chan BroadcastMessage, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg BroadcastMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Join(ctx context.Context, userID int) ([]int, error) {
	if err := b.rdb.HIncrBy(ctx, presenceKey, strconv.Itoa(userID), 1).Err(); err != nil {
		return nil, err
	}
	return b.online(ctx)
}

func (b *RedisBroker) Leave(ctx context.Context, userID int) ([]int, error) {
	field := strconv.Itoa(userID)
	n, err := b.rdb.HIncrBy(ctx, presenceKey, field, -1).Result()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		if err := b.rdb.HDel(ctx, presenceKey, field).Err(); err != nil {
			return nil, err
		}
	}
	return b.online(ctx)
}

func (b *RedisBroker) online(ctx context.Context) ([]int, error) {
	counts, err := b.rdb.HGetAll(ctx, presenceKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(counts))
	for field, count := range counts {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if n, _ := strconv.Atoi(count); n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ---------------------------------------------
// In-process
// ---------------------------------------------

// MemoryBroker serves a single relay instance with no Redis.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   []chan BroadcastMessage
	counts map[int]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{counts: make(map[int]int)}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg BroadcastMessage) error {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan BroadcastMessage, error) {
	ch := make(chan BroadcastMessage, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if i := slices.Index(b.subs, ch); i >= 0 {
			b.subs = slices.Delete(b.subs, i, i+1)
		}
	}()
	return ch, nil
}

func (b *MemoryBroker) Join(ctx context.Context, userID int) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[userID]++
	return b.onlineLocked(), nil
}

func (b *MemoryBroker) Leave(ctx context.Context, userID int) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts[userID]--; b.counts[userID] <= 0 {
		delete(b.counts, userID)
	}
	return b.onlineLocked(), nil
}

func (b *MemoryBroker) onlineLocked() []int {
	ids := make([]int, 0, len(b.counts))
	for id := range b.counts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
