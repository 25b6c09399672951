// Package kvstore is a small versioned record store on top of leveldb.
//
// Records live in named collections. Every logical operation is a single
// leveldb read or a single atomic batch write, so callers never hold a
// transaction open across a network call.
package kvstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// SchemaVersion is written on first open and checked on every later open.
const SchemaVersion = 1

var (
	ErrNotFound     = errors.New("kvstore: record not found")
	ErrSchemaTooNew = errors.New("kvstore: schema version is newer than supported")

	versionKey = []byte("meta:version")
)

const (
	collectionPrefix  = "c:"
	recordSegment     = "/r/"
	sequenceSegment   = "/seq"
	autoIDWidth       = 20
	defaultCollection = "default"
)

type Store struct {
	db *leveldb.DB

	// mu serializes read-modify-write sequences such as id allocation.
	mu sync.Mutex
}

// Open opens (or creates) a store at path. An empty path opens an
// in-memory store.
func Open(path string) (*Store, error) {
	if path == "" {
		return OpenStorage(storage.NewMemStorage())
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newStore(db)
}

// OpenStorage opens a store on an explicit leveldb storage.
func OpenStorage(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newStore(db)
}

func newStore(db *leveldb.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.checkVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion() error {
	b, err := s.db.Get(versionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return s.db.Put(versionKey, []byte(strconv.Itoa(SchemaVersion)), nil)
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("parse schema version %q: %w", b, err)
	}
	if v > SchemaVersion {
		return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, v, SchemaVersion)
	}
	return nil
}

// Version returns the schema version stored on disk.
func (s *Store) Version() (int, error) {
	b, err := s.db.Get(versionKey, nil)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(b))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a handle for the named collection. Collections are
// created implicitly on first write.
func (s *Store) Collection(name string) *Collection {
	if name == "" {
		name = defaultCollection
	}
	return &Collection{s: s, name: name}
}

type Collection struct {
	s    *Store
	name string
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) recordKey(key string) []byte {
	return []byte(collectionPrefix + c.name + recordSegment + key)
}

func (c *Collection) recordPrefix() []byte {
	return []byte(collectionPrefix + c.name + recordSegment)
}

func (c *Collection) sequenceKey() []byte {
	return []byte(collectionPrefix + c.name + sequenceSegment)
}

// Put stores v under key, replacing any previous record.
func (c *Collection) Put(key string, v any) error {
	b, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, key, err)
	}
	if err := c.s.db.Put(c.recordKey(key), b, nil); err != nil {
		return fmt.Errorf("put %s/%s: %w", c.name, key, err)
	}
	return nil
}

// Get decodes the record stored under key into v.
func (c *Collection) Get(key string, v any) error {
	b, err := c.s.db.Get(c.recordKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", c.name, key, err)
	}
	if err := decodeGob(b, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", c.name, key, err)
	}
	return nil
}

// Has reports whether key exists.
func (c *Collection) Has(key string) (bool, error) {
	ok, err := c.s.db.Has(c.recordKey(key), nil)
	if err != nil {
		return false, fmt.Errorf("has %s/%s: %w", c.name, key, err)
	}
	return ok, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Collection) Delete(key string) error {
	if err := c.s.db.Delete(c.recordKey(key), nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, key, err)
	}
	return nil
}

// Append allocates the next auto-increment id and stores the record built
// by fn under it, in one atomic batch.
func (c *Collection) Append(fn func(id uint64) any) (uint64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var last uint64
	b, err := c.s.db.Get(c.sequenceKey(), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("read sequence %s: %w", c.name, err)
	default:
		last, err = strconv.ParseUint(string(b), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse sequence %s: %w", c.name, err)
		}
	}
	id := last + 1

	rec, err := encodeGob(fn(id))
	if err != nil {
		return 0, fmt.Errorf("encode %s/%d: %w", c.name, id, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(c.sequenceKey(), []byte(strconv.FormatUint(id, 10)))
	batch.Put(c.recordKey(FormatID(id)), rec)
	if err := c.s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("append %s: %w", c.name, err)
	}
	return id, nil
}

// Keys lists record keys in ascending key order.
func (c *Collection) Keys() ([]string, error) {
	prefix := c.recordPrefix()
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// Each calls fn with every record's key and decoder, in key order.
// Iteration stops at the first error returned by fn.
func (c *Collection) Each(fn func(key string, decode func(v any) error) error) error {
	prefix := c.recordPrefix()
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		val := append([]byte(nil), it.Value()...)
		if err := fn(key, func(v any) error { return decodeGob(val, v) }); err != nil {
			return err
		}
	}
	return it.Error()
}

// All decodes every record of the collection, in key order.
func All[T any](c *Collection) ([]T, error) {
	var out []T
	err := c.Each(func(key string, decode func(v any) error) error {
		var v T
		if err := decode(&v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", c.name, key, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// FormatID renders an auto-increment id as a fixed-width key so that
// lexical order matches numeric order.
func FormatID(id uint64) string {
	s := strconv.FormatUint(id, 10)
	if len(s) >= autoIDWidth {
		return s
	}
	return string(bytes.Repeat([]byte("0"), autoIDWidth-len(s))) + s
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
