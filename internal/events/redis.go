package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

// DefaultRedisChannel is the channel events are published on when none is configured.
const DefaultRedisChannel = "shelfscan:save_queue"

const (
	redisBufferSize     = 1024
	redisPublishTimeout = 2 * time.Second
)

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher forwards events to a Redis pub/sub channel so other
// terminals in the store see the same queue state. Publishing happens on a
// background goroutine; the queue never waits on Redis.
type RedisPublisher struct {
	client  redisClient
	channel string
	events  chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRedisPublisher connects to addr and starts the publishing goroutine.
func NewRedisPublisher(addr, channel string) *RedisPublisher {
	return newRedisPublisher(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

func newRedisPublisher(client redisClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		events:  make(chan Event, redisBufferSize),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish implements Sink. Events are dropped when the buffer is full or
// the publisher is closed.
func (p *RedisPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		logging.Warn("Redis publish buffer full, event dropped", map[string]interface{}{
			"type":    ev.Type,
			"item_id": ev.Item.ID,
		})
	}
}

// Listener returns a queue listener that publishes every transition.
func (p *RedisPublisher) Listener() savequeue.Listener {
	return Listener(p)
}

// FailureHandler returns an escalation hook that publishes the failure and then calls next.
func (p *RedisPublisher) FailureHandler(next savequeue.FailureHandler) savequeue.FailureHandler {
	return FailureHandler(p, next)
}

func (p *RedisPublisher) loop() {
	defer p.wg.Done()
	for ev := range p.events {
		p.send(ev)
	}
}

func (p *RedisPublisher) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": ev.Type})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		logging.Warn("Failed to publish event to Redis", map[string]interface{}{
			"channel": p.channel,
			"type":    ev.Type,
			"error":   err.Error(),
		})
	}
}

// Close publishes whatever is buffered and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()
	return p.client.Close()
}
