package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a session has no drift history.
var ErrNotFound = errors.New("drift session not found")

const sessionKeyPrefix = "drift:session:"

// SessionState is the smoothed drift of one session.
type SessionState struct {
	SessionID string    `json:"session_id"`
	EWMA      float64   `json:"ewma"`
	Samples   int       `json:"samples"`
	Peak      float64   `json:"peak"`
	LastLevel Level     `json:"last_level"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists session states.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (SessionState, error)
	Save(ctx context.Context, st SessionState) error
	Delete(ctx context.Context, sessionID string) error
	// Each calls fn for every stored session.
	Each(ctx context.Context, fn func(SessionState) error) error
}

// Tracker folds per-text scores into per-session exponentially weighted
// averages.
type Tracker struct {
	store      SessionStore
	alpha      float64
	thresholds Thresholds
	now        func() time.Time
	// serializes read-modify-write per tracker; sessions are cheap to update
	mu sync.Mutex
}

func NewTracker(store SessionStore, alpha float64, th Thresholds) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &Tracker{store: store, alpha: alpha, thresholds: th, now: time.Now}
}

// Observe records a score for the session and returns the updated state.
func (t *Tracker) Observe(ctx context.Context, sessionID string, sc Score) (SessionState, error) {
	if sessionID == "" {
		return SessionState{}, errors.New("drift: empty session id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.store.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		st = SessionState{SessionID: sessionID}
	} else if err != nil {
		return SessionState{}, err
	}

	v := clamp01(sc.Value)
	if st.Samples == 0 {
		st.EWMA = v
	} else {
		st.EWMA = clamp01(t.alpha*v + (1-t.alpha)*st.EWMA)
	}
	st.Samples++
	st.Peak = math.Max(st.Peak, v)
	st.LastLevel = t.thresholds.Level(st.EWMA)
	st.UpdatedAt = t.now()

	if err := t.store.Save(ctx, st); err != nil {
		return SessionState{}, err
	}
	return st, nil
}

func (t *Tracker) Get(ctx context.Context, sessionID string) (SessionState, error) {
	return t.store.Load(ctx, sessionID)
}

func (t *Tracker) Reset(ctx context.Context, sessionID string) error {
	return t.store.Delete(ctx, sessionID)
}

// Decay multiplies every session's EWMA by factor and returns how many
// sessions were updated.
func (t *Tracker) Decay(ctx context.Context, factor float64) (int, error) {
	if factor < 0 || factor > 1 {
		return 0, fmt.Errorf("drift: decay factor %v outside [0,1]", factor)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	err := t.store.Each(ctx, func(st SessionState) error {
		st.EWMA = clamp01(st.EWMA * factor)
		st.LastLevel = t.thresholds.Level(st.EWMA)
		if err := t.store.Save(ctx, st); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RedisStore keeps session states as JSON values under drift:session:<id>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (SessionState, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return SessionState{}, ErrNotFound
	} else if err != nil {
		return SessionState{}, fmt.Errorf("error loading drift session: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return SessionState{}, fmt.Errorf("error unmarshalling drift session: %w", err)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, st SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("error marshalling drift session: %w", err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+st.SessionID, data, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Each(ctx context.Context, fn func(SessionState) error) error {
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := key[len(sessionKeyPrefix):]
		st, err := s.Load(ctx, id)
		if err != nil {
			// expired between SCAN and GET
			if errors.Is(err, ErrNotFound) {
				continue
			}
			log.Warn().Err(err).Str("key", key).Msg("skipping unreadable drift session")
			continue
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	return iter.Err()
}

// MemoryStore is a process-local SessionStore used when Redis is not
// configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]SessionState)}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return SessionState{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) Save(_ context.Context, st SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[st.SessionID] = st
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Each(_ context.Context, fn func(SessionState) error) error {
	m.mu.RLock()
	states := make([]SessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()
	for _, st := range states {
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}
