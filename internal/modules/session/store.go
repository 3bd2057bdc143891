// README: Session stores: Redis with key expiry, and an in-memory map for local runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetdispatch/internal/types"
)

type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, driverID types.ID) (*Session, error)
	Delete(ctx context.Context, driverID types.ID) error
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "driver:session:"}
}

func (r *RedisStore) key(driverID types.ID) string { return r.prefix + string(driverID) }

// Put writes the session with SET EX so Redis drops it at ExpiresAt.
func (r *RedisStore) Put(ctx context.Context, s Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", ErrBadRequest)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(s.DriverID), b, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, driverID types.ID) (*Session, error) {
	b, err := r.client.Get(ctx, r.key(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, driverID types.ID) error {
	return r.client.Del(ctx, r.key(driverID)).Err()
}

type MemStore struct {
	mu       sync.Mutex
	sessions map[types.ID]Session
	now      func() time.Time
}

func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{sessions: make(map[types.ID]Session), now: now}
}

func (m *MemStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.DriverID] = s
	return nil
}

func (m *MemStore) Get(_ context.Context, driverID types.ID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[driverID]
	if !ok {
		return nil, ErrNoSession
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, driverID)
		return nil, ErrNoSession
	}
	return &s, nil
}

func (m *MemStore) Delete(_ context.Context, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, driverID)
	return nil
}
