package checkpoint

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

const bucketName = "positions"

// BoltDB holds the positions of every tailed file in one bbolt database
type BoltDB struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt database at path
func OpenBolt(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Store returns the position store for logPath
func (b *BoltDB) Store(logPath string) *BoltStore {
	return &BoltStore{db: b.db, key: []byte(logPath)}
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// BoltStore is a Store view over one key of a BoltDB
type BoltStore struct {
	db  *bbolt.DB
	key []byte
}

// Load retrieves the stored position
func (s *BoltStore) Load() (types.FilePosition, bool, error) {
	var (
		pos types.FilePosition
		ok  bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket([]byte(bucketName)).Get(s.key)
		if val == nil {
			return nil
		}
		if len(val) != 16 {
			return fmt.Errorf("%w: value is %d bytes", ErrCorrupt, len(val))
		}
		pos.Inode = binary.BigEndian.Uint64(val[:8])
		pos.Offset = int64(binary.BigEndian.Uint64(val[8:]))
		if pos.Offset < 0 {
			return fmt.Errorf("%w: negative offset %d", ErrCorrupt, pos.Offset)
		}
		ok = true
		return nil
	})
	if err != nil {
		return types.FilePosition{}, false, fmt.Errorf("failed to load position for %s: %w", s.key, err)
	}

	return pos, ok, nil
}

// Save stores the position
func (s *BoltStore) Save(pos types.FilePosition) error {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], pos.Inode)
	binary.BigEndian.PutUint64(val[8:], uint64(pos.Offset))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(s.key, val)
	})
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", s.key, err)
	}
	return nil
}

// Remove deletes the stored position
func (s *BoltStore) Remove() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(s.key)
	})
	if err != nil {
		return fmt.Errorf("failed to remove position for %s: %w", s.key, err)
	}
	return nil
}

// Close is a no-op; the owning BoltDB closes the database
func (s *BoltStore) Close() error {
	return nil
}
