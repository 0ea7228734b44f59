package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrNoValue = errors.New("no value stored for key")

// Store keeps small advisory values, such as cached sessions and alert
// acknowledgements, that survive a restart. Losing them is never fatal.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func SessionKey(tokenID string) string {
	return "session:" + tokenID
}

func FallAlertKey(deviceID string) string {
	return "fallalert:" + deviceID
}

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) Store {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *redisStore) Get(ctx context.Context, key string, dest any) error {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoValue
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(val, dest)
}

func (s *redisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, b, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type memoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	now    func() time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{
		values: map[string]memoryValue{},
		now:    time.Now,
	}
}

func (s *memoryStore) Get(ctx context.Context, key string, dest any) error {
	s.mu.Lock()
	v, ok := s.values[key]
	if ok && !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt) {
		delete(s.values, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return ErrNoValue
	}

	return json.Unmarshal(v.data, dest)
}

func (s *memoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}

	v := memoryValue{data: b}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()

	return nil
}
