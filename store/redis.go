package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore using Redis. Each session is a hash;
// each bucket is a sorted set of session ids scored by creation time, plus a
// registry set of bucket keys for the sweep. Consumption is a Lua script so
// the pending check and the resolved write are one atomic step.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int

	// KeyPrefix is prepended to all keys (default: "deferlink:").
	// Typically ends with a colon.
	KeyPrefix string

	// ResolvedRetention sets the key TTL slack past session expiry so
	// resolved payloads stay readable. Should match the janitor's
	// retention window. Default: 1 hour.
	ResolvedRetention time.Duration
}

// NewRedisStore creates a Redis session store from an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string, resolvedRetention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "deferlink:"
	}
	if resolvedRetention <= 0 {
		resolvedRetention = time.Hour
	}
	return &RedisStore{
		client:    client,
		prefix:    keyPrefix,
		retention: resolvedRetention,
	}
}

// NewRedisFromConfig creates a Redis session store and verifies the
// connection.
func NewRedisFromConfig(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	return NewRedisStore(client, cfg.KeyPrefix, cfg.ResolvedRetention), nil
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) bucketKey(b string) string   { return s.prefix + "bucket:" + b }
func (s *RedisStore) bucketsKey() string          { return s.prefix + "buckets" }

// consumeScript checks pending state and expiry, then writes the resolution,
// all in one atomic step on the session hash.
// KEYS[1] = session hash; ARGV = now_ms, confidence, attrs.
var consumeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'not_found'
end
if state ~= 'pending' then
	return 'consumed'
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at_ms'))
if not expires or expires <= tonumber(ARGV[1]) then
	return 'expired'
end
redis.call('HSET', KEYS[1],
	'state', 'resolved',
	'resolved_at_ms', ARGV[1],
	'match_confidence', ARGV[2],
	'resolved_attrs', ARGV[3])
return 'ok'
`)

// Create persists a new pending session.
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	fields := map[string]interface{}{
		"bucket_key":       session.BucketKey,
		"state":            StatePending,
		"promo_id":         session.PromoID,
		"domain":           session.Domain,
		"destination_url":  session.DestinationURL,
		"custom_data":      session.CustomData,
		"platform":         session.Platform,
		"language":         session.Language,
		"timezone":         session.Timezone,
		"screen_width":     session.ScreenWidth,
		"screen_height":    session.ScreenHeight,
		"device_model":     session.DeviceModel,
		"user_agent":       session.UserAgent,
		"custom_attrs":     session.CustomAttrs,
		"created_at_ms":    session.CreatedAt.UnixMilli(),
		"expires_at_ms":    session.ExpiresAt.UnixMilli(),
		"match_confidence": 0,
		"resolved_attrs":   "",
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.sessionKey(session.SessionID), fields)
	pipe.ExpireAt(ctx, s.sessionKey(session.SessionID), session.ExpiresAt.Add(s.retention))
	pipe.ZAdd(ctx, s.bucketKey(session.BucketKey), redis.Z{
		Score:  float64(session.CreatedAt.UnixMilli()),
		Member: session.SessionID,
	})
	pipe.SAdd(ctx, s.bucketsKey(), session.BucketKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to create session: %w", err)
	}
	return nil
}

// Get returns a session by id regardless of state.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(sessionID, fields), nil
}

// Candidates returns up to limit pending, unexpired sessions in the bucket,
// newest first. The bucket index may briefly contain consumed or expired ids;
// those are filtered here and pruned by the sweep.
func (s *RedisStore) Candidates(ctx context.Context, bucketKey string, now time.Time, limit int) ([]*Session, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.bucketKey(bucketKey), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit * 4),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to query bucket: %w", err)
	}

	var sessions []*Session
	for _, id := range ids {
		if len(sessions) >= limit {
			break
		}
		fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: failed to load candidate: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		session := sessionFromHash(id, fields)
		if session.Pending(now) {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// TryConsume transitions a pending, unexpired session to resolved.
func (s *RedisStore) TryConsume(ctx context.Context, sessionID string, res Resolution) error {
	result, err := consumeScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID)},
		res.ResolvedAt.UnixMilli(),
		strconv.FormatFloat(res.Confidence, 'f', -1, 64),
		res.Attrs,
	).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to consume session: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "consumed":
		return ErrAlreadyConsumed
	case "expired":
		return ErrExpired
	default:
		return ErrNotFound
	}
}

// Delete hard-deletes a session in any state.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return ErrNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	if bucket := fields["bucket_key"]; bucket != "" {
		pipe.ZRem(ctx, s.bucketKey(bucket), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to delete session: %w", err)
	}
	return nil
}

// ExpireSweep prunes bucket indexes of ids whose hashes Redis has already
// expired, and deletes sessions past their window that still have hashes.
func (s *RedisStore) ExpireSweep(ctx context.Context, now time.Time, resolvedRetention time.Duration) (int, error) {
	buckets, err := s.client.SMembers(ctx, s.bucketsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to list buckets: %w", err)
	}

	deleted := 0
	for _, bucket := range buckets {
		ids, err := s.client.ZRange(ctx, s.bucketKey(bucket), 0, -1).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis: failed to scan bucket: %w", err)
		}

		remaining := len(ids)
		for _, id := range ids {
			fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis: failed to load session: %w", err)
			}
			if len(fields) == 0 {
				// Hash already expired via key TTL; prune the index.
				s.client.ZRem(ctx, s.bucketKey(bucket), id)
				deleted++
				remaining--
				continue
			}
			session := sessionFromHash(id, fields)
			evict := false
			if session.State == StateResolved {
				evict = !now.Before(session.ExpiresAt.Add(resolvedRetention))
			} else {
				evict = session.IsExpired(now)
			}
			if evict {
				pipe := s.client.TxPipeline()
				pipe.Del(ctx, s.sessionKey(id))
				pipe.ZRem(ctx, s.bucketKey(bucket), id)
				if _, err := pipe.Exec(ctx); err != nil {
					return deleted, fmt.Errorf("redis: failed to evict session: %w", err)
				}
				deleted++
				remaining--
			}
		}
		if remaining == 0 {
			s.client.SRem(ctx, s.bucketsKey(), bucket)
		}
	}
	return deleted, nil
}

// PendingCount returns the number of pending sessions.
func (s *RedisStore) PendingCount(ctx context.Context) (int, error) {
	buckets, err := s.client.SMembers(ctx, s.bucketsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to list buckets: %w", err)
	}

	count := 0
	for _, bucket := range buckets {
		ids, err := s.client.ZRange(ctx, s.bucketKey(bucket), 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: failed to scan bucket: %w", err)
		}
		for _, id := range ids {
			state, err := s.client.HGet(ctx, s.sessionKey(id), "state").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("redis: failed to read session state: %w", err)
			}
			if state == StatePending {
				count++
			}
		}
	}
	return count, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionFromHash(id string, fields map[string]string) *Session {
	session := &Session{
		SessionID:      id,
		BucketKey:      fields["bucket_key"],
		State:          fields["state"],
		PromoID:        fields["promo_id"],
		Domain:         fields["domain"],
		DestinationURL: fields["destination_url"],
		CustomData:     fields["custom_data"],
		Platform:       fields["platform"],
		Language:       fields["language"],
		Timezone:       fields["timezone"],
		DeviceModel:    fields["device_model"],
		UserAgent:      fields["user_agent"],
		CustomAttrs:    fields["custom_attrs"],
		ResolvedAttrs:  fields["resolved_attrs"],
	}
	session.ScreenWidth, _ = strconv.Atoi(fields["screen_width"])
	session.ScreenHeight, _ = strconv.Atoi(fields["screen_height"])
	session.MatchConfidence, _ = strconv.ParseFloat(fields["match_confidence"], 64)

	if ms, err := strconv.ParseInt(fields["created_at_ms"], 10, 64); err == nil {
		session.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["expires_at_ms"], 10, 64); err == nil {
		session.ExpiresAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["resolved_at_ms"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		session.ResolvedAt = &t
	}
	return session
}
