package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	json "github.com/goccy/go-json"
)

const (
	versionPrefix = "v:"
	ttlPrefix     = "ttl:"
)

// AppStorage is the badger-backed key value store shared by every run.
// Each key may carry a version record (v:<key>) and an expiry record (ttl:<key>).
type AppStorage struct {
	db     *badger.DB
	logger *slog.Logger
	owned  bool

	mu     sync.RWMutex
	closed bool
}

func NewAppStorage(db *badger.DB, logger *slog.Logger) *AppStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppStorage{
		db:     db,
		logger: logger.With("component", "app-storage"),
	}
}

// Open opens a badger database at dir, or in memory when inMemory is set.
// The returned storage closes the database on Close.
func Open(dir string, inMemory bool, logger *slog.Logger) (*AppStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(newBadgerLogger(logger))
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(newBadgerLogger(logger))
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}

	s := NewAppStorage(db, logger)
	s.owned = true
	s.logger.Debug("storage opened", "dir", dir, "in_memory", inMemory)
	return s, nil
}

func (s *AppStorage) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.NewStorageClosedError()
	}
	return nil
}

func (s *AppStorage) Get(key string) (value []byte, version int64, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		value, version, exists, err = readEntry(txn, key, time.Now())
		return err
	})
	return value, version, exists, err
}

func (s *AppStorage) Put(key string, value []byte, version int64) error {
	return s.PutWithTTL(key, value, version, 0)
}

func (s *AppStorage) PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return writeEntry(txn, key, value, version, ttl)
	})
}

func (s *AppStorage) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return deleteEntry(txn, key)
	})
}

func (s *AppStorage) BatchWrite(ops []ports.WriteOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			if err := wb.Set([]byte(op.Key), op.Value); err != nil {
				return err
			}
			versionBytes, _ := json.Marshal(op.Version)
			if err := wb.Set([]byte(versionPrefix+op.Key), versionBytes); err != nil {
				return err
			}
			if op.TTL > 0 {
				ttlBytes, _ := json.Marshal(time.Now().Add(op.TTL))
				if err := wb.Set([]byte(ttlPrefix+op.Key), ttlBytes); err != nil {
					return err
				}
			}
		case ports.OpDelete:
			for _, k := range []string{op.Key, versionPrefix + op.Key, ttlPrefix + op.Key} {
				if err := wb.Delete([]byte(k)); err != nil {
					return err
				}
			}
		default:
			return domain.ErrInvalidInput
		}
	}

	return wb.Flush()
}

func (s *AppStorage) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var results []ports.KeyValueVersion
	now := time.Now()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if isMetadataKey(item.Key()) {
				continue
			}
			key := string(item.Key())

			expireAt, err := readExpiry(txn, key)
			if err != nil {
				return err
			}
			if expireAt != nil && now.After(*expireAt) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			results = append(results, ports.KeyValueVersion{
				Key:      key,
				Value:    value,
				Version:  readVersion(txn, key),
				ExpireAt: expireAt,
			})
		}
		return nil
	})

	return results, err
}

// ListKeys returns live keys under prefix without reading their values.
func (s *AppStorage) ListKeys(prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var keys []string
	now := time.Now()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isMetadataKey(it.Item().Key()) {
				continue
			}
			key := string(it.Item().Key())

			expireAt, err := readExpiry(txn, key)
			if err != nil {
				return err
			}
			if expireAt != nil && now.After(*expireAt) {
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})

	return keys, err
}

func (s *AppStorage) CountPrefix(prefix string) (count int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isMetadataKey(it.Item().Key()) {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *AppStorage) DeleteByPrefix(prefix string) (deletedCount int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var keys []string
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isMetadataKey(it.Item().Key()) {
				continue
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ops := make([]ports.WriteOp, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: key})
	}
	if len(ops) > 0 {
		if err := s.BatchWrite(ops); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (s *AppStorage) CleanExpired() (cleanedCount int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	now := time.Now()
	var keysToDelete []string

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ttlPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			ttlBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			var expireAt time.Time
			if json.Unmarshal(ttlBytes, &expireAt) == nil && now.After(expireAt) {
				keysToDelete = append(keysToDelete, string(item.Key())[len(ttlPrefix):])
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range keysToDelete {
		if err := s.Delete(key); err != nil {
			s.logger.Warn("failed to delete expired key", "key", key, "error", err)
			continue
		}
		cleanedCount++
	}

	if cleanedCount > 0 {
		s.logger.Debug("cleaned expired keys", "count", cleanedCount)
	}
	return cleanedCount, nil
}

func (s *AppStorage) RunInTransaction(fn func(tx ports.Transaction) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&transaction{txn: txn}); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return &domain.StorageError{Type: domain.ErrTransactionConflict, Message: err.Error()}
		}
		return err
	}
	return nil
}

func (s *AppStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrStorageClosed, Message: "storage already closed"}
	}
	s.closed = true

	if s.owned {
		return s.db.Close()
	}
	return nil
}

type transaction struct {
	txn *badger.Txn
}

func (t *transaction) Get(key string) (value []byte, version int64, exists bool, err error) {
	return readEntry(t.txn, key, time.Now())
}

func (t *transaction) Put(key string, value []byte, version int64) error {
	return writeEntry(t.txn, key, value, version, 0)
}

func (t *transaction) PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error {
	return writeEntry(t.txn, key, value, version, ttl)
}

func (t *transaction) Delete(key string) error {
	return deleteEntry(t.txn, key)
}

func (t *transaction) Exists(key string) (bool, error) {
	_, _, exists, err := readEntry(t.txn, key, time.Now())
	return exists, err
}

func readEntry(txn *badger.Txn, key string, now time.Time) ([]byte, int64, bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}

	expireAt, err := readExpiry(txn, key)
	if err != nil {
		return nil, 0, false, err
	}
	if expireAt != nil && now.After(*expireAt) {
		return nil, 0, false, nil
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, false, err
	}
	return value, readVersion(txn, key), true, nil
}

func writeEntry(txn *badger.Txn, key string, value []byte, version int64, ttl time.Duration) error {
	versionBytes, _ := json.Marshal(version)
	if err := txn.Set([]byte(key), value); err != nil {
		return err
	}
	if err := txn.Set([]byte(versionPrefix+key), versionBytes); err != nil {
		return err
	}
	if ttl > 0 {
		ttlBytes, _ := json.Marshal(time.Now().Add(ttl))
		return txn.Set([]byte(ttlPrefix+key), ttlBytes)
	}
	return txn.Delete([]byte(ttlPrefix + key))
}

func deleteEntry(txn *badger.Txn, key string) error {
	for _, k := range []string{key, versionPrefix + key, ttlPrefix + key} {
		if err := txn.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func readVersion(txn *badger.Txn, key string) int64 {
	var version int64
	item, err := txn.Get([]byte(versionPrefix + key))
	if err == nil {
		versionBytes, _ := item.ValueCopy(nil)
		_ = json.Unmarshal(versionBytes, &version)
	}
	return version
}

func readExpiry(txn *badger.Txn, key string) (*time.Time, error) {
	item, err := txn.Get([]byte(ttlPrefix + key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	ttlBytes, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var expireAt time.Time
	if err := json.Unmarshal(ttlBytes, &expireAt); err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: key, Message: "corrupt expiry for " + key}
	}
	return &expireAt, nil
}

func isMetadataKey(keyBytes []byte) bool {
	if len(keyBytes) >= 2 && keyBytes[0] == 'v' && keyBytes[1] == ':' {
		return true
	}
	if len(keyBytes) >= 4 && keyBytes[0] == 't' && keyBytes[1] == 't' && keyBytes[2] == 'l' && keyBytes[3] == ':' {
		return true
	}
	return false
}
