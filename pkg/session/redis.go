package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "authrelay:session:"
	redisChannel   = "authrelay:session:events"
)

// RedisStore persists session records in Redis with a TTL matching the
// record's expiry, so abandoned sessions evict themselves.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) redisKey(key string) string {
	return redisKeyPrefix + key
}

// Get retrieves and decodes a session record.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return rec, nil
}

// Put stores a record with a TTL running to its expiry.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		// Expired records still land briefly so lazy-expiry reads observe
		// them before eviction.
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.redisKey(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// RedisBroadcaster distributes session events over a Redis pub/sub channel
// so sibling instances converge without polling the store.
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[int]func(Event)
	nextID   int

	stop chan struct{}
	done chan struct{}
}

// NewRedisBroadcaster creates a broadcaster and starts its receive loop.
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	b := &RedisBroadcaster{
		client:   client,
		pubsub:   client.Subscribe(context.Background(), redisChannel),
		handlers: make(map[int]func(Event)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.receive()
	return b
}

func (b *RedisBroadcaster) receive() {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			b.mu.RLock()
			handlers := make([]func(Event), 0, len(b.handlers))
			for _, h := range b.handlers {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// Publish encodes and publishes the event.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode session event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *RedisBroadcaster) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close stops the receive loop and the underlying subscription.
func (b *RedisBroadcaster) Close() error {
	close(b.stop)
	err := b.pubsub.Close()
	<-b.done
	return err
}
