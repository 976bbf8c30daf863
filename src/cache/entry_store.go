package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
)

const entryPrefix = "semcache:"

// StoredEntry is the cache entry body kept in Redis. The embedding and
// hit count live in the in-process index; Redis owns the TTL.
type StoredEntry struct {
	Fingerprint  string                  `json:"fingerprint"`
	Capabilities []models.Capability     `json:"capabilities"`
	Result       models.InferenceResult  `json:"result"`
	CreatedAt    time.Time               `json:"created_at"`
	TTL          time.Duration           `json:"ttl"`
}

// EntryStore persists cache entry bodies in Redis with TTL expiry.
type EntryStore struct {
	client *redis.Client
}

func NewEntryStore(cfg *config.RedisConfig) (*EntryStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &EntryStore{client: client}, nil
}

// Get returns the entry for fingerprint, or nil when absent or expired.
func (s *EntryStore) Get(ctx context.Context, fingerprint string) (*StoredEntry, error) {
	val, err := s.client.Get(ctx, entryPrefix+fingerprint).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry StoredEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// Put stores the entry under its fingerprint with the given TTL.
func (s *EntryStore) Put(ctx context.Context, entry *StoredEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, entryPrefix+entry.Fingerprint, data, ttl).Err()
}

// Delete removes the entry for fingerprint.
func (s *EntryStore) Delete(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, entryPrefix+fingerprint).Err()
}

// DeleteAll removes every entry with the cache prefix.
func (s *EntryStore) DeleteAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, entryPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *EntryStore) Close() error {
	return s.client.Close()
}
