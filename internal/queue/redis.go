package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key holding the active campaign
const DefaultRedisKey = "mailrun:campaign:active"

// RedisStorage implements Repository on top of a Redis key.
// WATCH/MULTI makes the version check atomic across processes.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// RedisOptions contains Redis connection settings
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisStorage connects to Redis and verifies the connection
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisStorage{client: client, key: key}, nil
}

// Load returns the active campaign or nil if there is none
func (s *RedisStorage) Load(ctx context.Context) (*Campaign, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign: %w", err)
	}
	return decodeCampaign(data)
}

// Save stores the campaign if nobody else saved it since it was loaded
func (s *RedisStorage) Save(ctx context.Context, c *Campaign) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var stored uint64
		data, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read campaign: %w", err)
		default:
			if stored, err = decodeVersion(data); err != nil {
				return err
			}
		}

		if stored != c.Version {
			return ErrVersionConflict
		}

		return s.put(ctx, tx, c, stored+1)
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// Replace stores the campaign regardless of what is currently stored
func (s *RedisStorage) Replace(ctx context.Context, c *Campaign) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		var next uint64 = 1
		if data, err := tx.Get(ctx, s.key).Bytes(); err == nil {
			if v, err := decodeVersion(data); err == nil {
				next = v + 1
			}
		}
		return s.put(ctx, tx, c, next)
	}, s.key)
}

// Close closes the Redis client
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) put(ctx context.Context, tx *redis.Tx, c *Campaign, version uint64) error {
	prev := c.Version
	c.Version = version

	data, err := json.Marshal(c)
	if err != nil {
		c.Version = prev
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		return nil
	})
	if err != nil {
		c.Version = prev
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return fmt.Errorf("failed to store campaign: %w", err)
	}

	return nil
}
