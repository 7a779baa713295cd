package threads

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

const historyBucket = "host_performance"

// BoltStore keeps per-host stats in a bolt database.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() (map[string]HostStats, error) {
	out := make(map[string]HostStats)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", historyBucket)
		}
		return b.ForEach(func(k, v []byte) error {
			var stats HostStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return fmt.Errorf("failed to decode stats for %s: %w", k, err)
			}
			out[string(k)] = stats
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Save(host string, stats HostStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", historyBucket)
		}
		return b.Put([]byte(host), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
