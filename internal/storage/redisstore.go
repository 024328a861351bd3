package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"assembly/client/internal/util"
)

const redisOpTimeout = 5 * time.Second

// RedisStore persists items under a key prefix and broadcasts every
// committed write on a pub/sub channel, so other client instances of the
// same profile can reconcile their in-memory state.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	origin  string

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	pubsub *redis.PubSub
}

// NewRedisStore connects to redisURL and namespaces all keys and the
// change channel with prefix (for example "assembly:").
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		channel: prefix + "storage:changes",
		origin:  util.NewID("rds"),
		subs:    make(map[int]func(Event)),
	}
}

func (s *RedisStore) Origin() string { return s.origin }

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) GetItem(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Printf("storage: redis get %s: %v", key, err)
		return "", false
	}
	return value, true
}

func (s *RedisStore) SetItem(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		// maxmemory rejections carry the OOM prefix.
		if strings.Contains(err.Error(), "OOM") {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	s.publish(ctx, Event{Origin: s.origin, Key: key, NewValue: value})
	return nil
}

func (s *RedisStore) RemoveItem(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	removed, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		log.Printf("storage: redis del %s: %v", key, err)
		return
	}
	if removed > 0 {
		s.publish(ctx, Event{Origin: s.origin, Key: key, Removed: true})
	}
}

func (s *RedisStore) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		log.Printf("storage: redis publish %s: %v", ev.Key, err)
	}
}

// Watch subscribes fn to the change channel. The pub/sub connection is
// opened on the first watcher and shared by all of them.
func (s *RedisStore) Watch(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(context.Background(), s.channel)
		go s.pump(s.pubsub.Channel())
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *RedisStore) pump(messages <-chan *redis.Message) {
	for msg := range messages {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("storage: dropping malformed change event: %v", err)
			continue
		}
		s.mu.Lock()
		subs := make([]func(Event), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close shuts down the change subscription and the client connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	return s.client.Close()
}

// Ping checks if redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
