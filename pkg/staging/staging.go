// Package staging keeps verified segment plaintexts on disk between download
// and reconstruction. Blobs land here only after AEAD and hash checks, so a
// resumed download can trust and skip whatever is already present.
package staging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// ErrMissing is returned when no verified blob exists under the key.
var ErrMissing = errors.New("staged blob not found")

// Store is a badger-backed staging area keyed by (file_id, segment_index).
type Store struct {
	db *badger.DB
}

// Open opens or creates the staging database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(fileID int64, segmentIndex uint32) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint64(k[0:8], uint64(fileID))
	binary.BigEndian.PutUint32(k[8:12], segmentIndex)
	return k
}

// Put stores a verified plaintext blob. Overwrites are harmless: content is
// hash-verified before it gets here, so duplicates are identical.
func (s *Store) Put(fileID int64, segmentIndex uint32, plaintext []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(fileID, segmentIndex), plaintext)
	})
}

// Get returns a staged blob or ErrMissing.
func (s *Store) Get(fileID int64, segmentIndex uint32) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(fileID, segmentIndex))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMissing
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has reports whether a verified blob exists without copying it.
func (s *Store) Has(fileID int64, segmentIndex uint32) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(fileID, segmentIndex))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DropFile removes every staged blob of one file, typically after the file
// was assembled and fsynced.
func (s *Store) DropFile(fileID int64) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(fileID))

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogger routes badger's chatter into the structured logger at
// debug level; only errors surface at their own level.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}
