// Package kv is the durable key/value store shared by the asset cache and the
// offline controller. Keys live in named partitions; a partition exists while
// it holds at least one key.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound = errors.New("kv: not found")

	// ErrStopIteration ends Iterate early without reporting an error.
	ErrStopIteration = errors.New("kv: stop iteration")
)

const sep = "/"

type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMem returns a store that lives only in memory.
func OpenMem() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func partitionPrefix(partition string) []byte {
	return []byte("p" + sep + partition + sep)
}

func fullKey(partition, key string) []byte {
	return append(partitionPrefix(partition), key...)
}

func (s *Store) Get(partition, key string) ([]byte, error) {
	b, err := s.db.Get(fullKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", partition, key, err)
	}
	return b, nil
}

func (s *Store) Has(partition, key string) bool {
	ok, err := s.db.Has(fullKey(partition, key), nil)
	return err == nil && ok
}

func (s *Store) Put(partition, key string, value []byte) error {
	if err := s.db.Put(fullKey(partition, key), value, nil); err != nil {
		return fmt.Errorf("kv put %s/%s: %w", partition, key, err)
	}
	return nil
}

func (s *Store) Delete(partition, key string) error {
	if err := s.db.Delete(fullKey(partition, key), nil); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", partition, key, err)
	}
	return nil
}

// Batch collects writes that are applied atomically by Store.Write.
type Batch struct {
	b leveldb.Batch
}

func (b *Batch) Put(partition, key string, value []byte) {
	b.b.Put(fullKey(partition, key), value)
}

func (b *Batch) Delete(partition, key string) {
	b.b.Delete(fullKey(partition, key))
}

func (b *Batch) Len() int { return b.b.Len() }

func (s *Store) Write(b *Batch) error {
	if err := s.db.Write(&b.b, nil); err != nil {
		return fmt.Errorf("kv write batch: %w", err)
	}
	return nil
}

// Iterate calls fn for every key of partition in key order. The value slice
// is only valid during the call.
func (s *Store) Iterate(partition string, fn func(key string, value []byte) error) error {
	prefix := partitionPrefix(partition)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		if err := fn(key, it.Value()); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

// Count returns the number of keys in partition.
func (s *Store) Count(partition string) (int, error) {
	n := 0
	err := s.Iterate(partition, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Drop removes every key of partition in one batch. Writes that land after
// the snapshot taken here survive and recreate the partition.
func (s *Store) Drop(partition string) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("kv drop %s: %w", partition, err)
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix(partitionPrefix(partition)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("kv drop %s: %w", partition, err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("kv drop %s: %w", partition, err)
	}
	return nil
}

// Partitions lists the names of all non-empty partitions, sorted. Partition
// names must not contain "/".
func (s *Store) Partitions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p"+sep)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "p"+sep)
		i := strings.Index(rest, sep)
		if i < 0 {
			continue
		}
		name := rest[:i]
		if len(out) > 0 && out[len(out)-1] == name {
			continue
		}
		out = append(out, name)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
