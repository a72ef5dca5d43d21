package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/pkg/crypto"
)

// ErrNotFound is returned when a token resolves to no live session.
// Expired, destroyed, unknown, and undecryptable records are all reported
// through it; callers must not be able to tell those cases apart.
var ErrNotFound = errors.New("session: not found")

const tokenBytes = 32

// Store persists session records in Redis.
type Store struct {
	client *redis.Client
	secret string
	ttl    time.Duration
	prefix string
}

// NewStore constructs a Store. secret keys both the token HMAC and the
// record encryption; ttl is the absolute session lifetime.
func NewStore(client *redis.Client, secret string, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("session: nil redis client")
	}
	if secret == "" {
		return nil, errors.New("session: secret required")
	}
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	return &Store{client: client, secret: secret, ttl: ttl, prefix: "membergate:session:"}, nil
}

// TTL returns the configured absolute session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create persists a new session for username and returns the opaque token
// the client will carry. The record's expires_at is fixed at creation; no
// sliding renewal happens later.
func (s *Store) Create(ctx context.Context, username string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	now := time.Now().UTC()
	record := domain.Session{
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	sealed, err := crypto.Encrypt(s.secret, payload)
	if err != nil {
		return "", fmt.Errorf("seal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), sealed, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// Resolve returns the live session for token. Misses of every flavor come
// back as ErrNotFound; only store connectivity failures surface as other
// errors.
func (s *Store) Resolve(ctx context.Context, token string) (domain.Session, error) {
	if token == "" {
		return domain.Session{}, ErrNotFound
	}
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	payload, err := crypto.Decrypt(s.secret, data)
	if err != nil {
		// Undecryptable blob: treat as a miss, same as a never-created token.
		return domain.Session{}, ErrNotFound
	}
	var record domain.Session
	if err := json.Unmarshal(payload, &record); err != nil {
		return domain.Session{}, ErrNotFound
	}
	if record.Expired(time.Now().UTC()) {
		// Redis TTL normally reaps these first; drop stale survivors on read.
		_ = s.client.Del(ctx, s.key(token)).Err()
		return domain.Session{}, ErrNotFound
	}
	record.Token = token
	return record, nil
}

// Destroy removes the session for token. Destroying an unknown or
// already-destroyed token succeeds; only a store failure is an error.
func (s *Store) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) key(token string) string {
	return s.prefix + crypto.HMACHex(s.secret, token)
}
