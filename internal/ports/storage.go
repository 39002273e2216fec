package ports

import (
	"time"
)

type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error
	Delete(key string) error

	BatchWrite(ops []WriteOp) error

	CountPrefix(prefix string) (count int, err error)
	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	ListKeys(prefix string) ([]string, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	CleanExpired() (cleanedCount int, err error)

	RunInTransaction(fn func(tx Transaction) error) error

	Close() error
}

type Transaction interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error
	Delete(key string) error
	Exists(key string) (bool, error)
}

type WriteOp struct {
	Type    OpType
	Key     string
	Value   []byte
	Version int64
	TTL     time.Duration
}

type KeyValueVersion struct {
	Key      string
	Value    []byte
	Version  int64
	ExpireAt *time.Time
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)
