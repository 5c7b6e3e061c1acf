package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultSessionTTL bounds how long an uploaded list waits for its progress
// socket to connect.
const DefaultSessionTTL = 30 * time.Minute

// BulkSession is an uploaded list waiting to be validated over a progress
// WebSocket.
type BulkSession struct {
	UserID uint     `json:"user_id"`
	Mode   string   `json:"mode"`
	Emails []string `json:"emails"`
}

// SessionStore hands bulk sessions from the upload request to the progress
// socket. Take is one-shot: a session can only be started once.
type SessionStore interface {
	Save(ctx context.Context, session BulkSession) (string, error)
	Take(ctx context.Context, id string) (*BulkSession, error)
}

// RedisSessionStore keeps sessions in Redis so any instance behind the load
// balancer can serve the socket.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return "mailscore:bulk:" + id
}

func (s *RedisSessionStore) Save(ctx context.Context, session BulkSession) (string, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.client.Set(ctx, sessionKey(id), payload, s.ttl).Err(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisSessionStore) Take(ctx context.Context, id string) (*BulkSession, error) {
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, sessionKey(id))
		pipe.Del(ctx, sessionKey(id))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var session BulkSession
	if err := json.Unmarshal([]byte(get.Val()), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

type memorySession struct {
	session BulkSession
	expires time.Time
}

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memorySession
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemorySessionStore{ttl: ttl, now: time.Now, sessions: make(map[string]memorySession)}
}

func (s *MemorySessionStore) Save(_ context.Context, session BulkSession) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.sessions {
		if now.After(entry.expires) {
			delete(s.sessions, key)
		}
	}
	s.sessions[id] = memorySession{session: session, expires: now.Add(s.ttl)}
	return id, nil
}

func (s *MemorySessionStore) Take(_ context.Context, id string) (*BulkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.sessions, id)
	if s.now().After(entry.expires) {
		return nil, ErrNotFound
	}
	session := entry.session
	return &session, nil
}
