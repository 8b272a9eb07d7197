package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaign = []byte("campaign")
	keyActive      = []byte("active")
)

// BoltStorage implements Repository using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCampaign); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketCampaign, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Load returns the active campaign or nil if there is none
func (s *BoltStorage) Load(ctx context.Context) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaign).Get(keyActive)
		if data == nil {
			return nil
		}

		decoded, err := decodeCampaign(data)
		if err != nil {
			return err
		}
		c = decoded
		return nil
	})

	return c, err
}

// Save stores the campaign if nobody else saved it since it was loaded
func (s *BoltStorage) Save(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaign)

		var stored uint64
		if data := b.Get(keyActive); data != nil {
			v, err := decodeVersion(data)
			if err != nil {
				return err
			}
			stored = v
		}

		if stored != c.Version {
			return ErrVersionConflict
		}

		return putCampaign(b, c, stored+1)
	})
}

// Replace stores the campaign regardless of what is currently stored
func (s *BoltStorage) Replace(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaign)

		var next uint64 = 1
		if data := b.Get(keyActive); data != nil {
			// A corrupt record must not block recreation
			if v, err := decodeVersion(data); err == nil {
				next = v + 1
			}
		}

		return putCampaign(b, c, next)
	})
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func putCampaign(b *bolt.Bucket, c *Campaign, version uint64) error {
	prev := c.Version
	c.Version = version

	data, err := json.Marshal(c)
	if err != nil {
		c.Version = prev
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}

	if err := b.Put(keyActive, data); err != nil {
		c.Version = prev
		return fmt.Errorf("failed to store campaign: %w", err)
	}

	return nil
}

func decodeCampaign(data []byte) (*Campaign, error) {
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := c.CheckCounters(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &c, nil
}

func decodeVersion(data []byte) (uint64, error) {
	var v struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v.Version, nil
}
