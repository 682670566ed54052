package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/assessor/model"
)

// RedisSessionStore implements SessionStore using Redis. Sessions are JSON
// values; activity is a capped list, newest first.
type RedisSessionStore struct {
	client     *redis.Client
	prefix     string
	maxHistory int64
}

// NewRedisSessionStore creates a store from an existing Redis client. Keys
// are prefixed with prefix; at most maxHistory activity entries are kept
// per session (0 keeps everything).
func NewRedisSessionStore(client *redis.Client, prefix string, maxHistory int64) *RedisSessionStore {
	return &RedisSessionStore{
		client:     client,
		prefix:     prefix + "collab:session:",
		maxHistory: maxHistory,
	}
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisSessionStore) activityKey(id string) string {
	return s.prefix + id + ":activity"
}

// CreateSession stores a new session.
func (s *RedisSessionStore) CreateSession(ctx context.Context, session model.SharedSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if !ok {
		return model.NewConflictError(fmt.Sprintf("collaboration session %q already exists", session.ID))
	}
	return nil
}

// GetSession returns a session by ID.
func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (model.SharedSession, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return model.SharedSession{}, sessionNotFound(id)
	}
	if err != nil {
		return model.SharedSession{}, fmt.Errorf("get session: %w", err)
	}
	var session model.SharedSession
	if err := json.Unmarshal(data, &session); err != nil {
		return model.SharedSession{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

// UpdateParticipants replaces the participant list of a session.
func (s *RedisSessionStore) UpdateParticipants(ctx context.Context, id string, participants []model.ParticipantSnapshot) error {
	return s.modify(ctx, id, func(session *model.SharedSession) {
		session.Participants = participants
	})
}

// EndSession marks a session ended and clears its participants.
func (s *RedisSessionStore) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	return s.modify(ctx, id, func(session *model.SharedSession) {
		session.Status = model.SessionStatusEnded
		session.EndedAt = &endedAt
		session.Participants = nil
	})
}

// modify applies fn to the stored session inside an optimistic WATCH
// transaction.
func (s *RedisSessionStore) modify(ctx context.Context, id string, fn func(*model.SharedSession)) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return sessionNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		var session model.SharedSession
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		fn(&session)
		updated, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for range 3 {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return model.NewConflictError(fmt.Sprintf("collaboration session %q is being modified concurrently", id))
}

// LogActivity prepends an activity entry and trims the list.
func (s *RedisSessionStore) LogActivity(ctx context.Context, activity model.SessionActivity) error {
	data, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	key := s.activityKey(activity.SessionID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if s.maxHistory > 0 {
		pipe.LTrim(ctx, key, 0, s.maxHistory-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest activity first.
func (s *RedisSessionStore) ListActivity(ctx context.Context, sessionID string, limit int) ([]model.SessionActivity, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.activityKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	out := make([]model.SessionActivity, 0, len(raw))
	for _, item := range raw {
		var a model.SessionActivity
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("unmarshal activity: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Ping checks if Redis is reachable.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
