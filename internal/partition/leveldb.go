package partition

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<name>             partition marker
//	e:<name>\x00<key>    gob(storedEntry)
//	o:<name>\x00<seq>    key, seq is big-endian so iteration is insertion order
//	seq                  last sequence number
var seqKey = []byte("seq")

type storedEntry struct {
	Entry
	Seq uint64
}

type LevelDB struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// NewLevelDB opens a leveldb-backed partition store at path; an empty path
// keeps everything in memory.
func NewLevelDB(path string) (*LevelDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open partition store: %w", err)
	}
	l := &LevelDB{db: db}
	if b, err := db.Get(seqKey, nil); err == nil && len(b) == 8 {
		l.seq = binary.BigEndian.Uint64(b)
	}
	return l, nil
}

func markerKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func orderPrefix(name string) []byte { return []byte("o:" + name + "\x00") }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }

func orderKey(name string, seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(orderPrefix(name), b[:]...)
}

func (l *LevelDB) Put(_ context.Context, name string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	if old, err := l.get(name, e.Key); err == nil {
		batch.Delete(orderKey(name, old.Seq))
	}

	l.seq++
	se := storedEntry{Entry: e, Seq: l.seq}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(se); err != nil {
		l.seq--
		return fmt.Errorf("encode %s %s: %w", name, e.Key, err)
	}
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], l.seq)

	batch.Put(markerKey(name), nil)
	batch.Put(entryKey(name, e.Key), buf.Bytes())
	batch.Put(orderKey(name, l.seq), []byte(e.Key))
	batch.Put(seqKey, seqb[:])
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write %s %s: %w", name, e.Key, err)
	}
	return nil
}

func (l *LevelDB) get(name, key string) (storedEntry, error) {
	b, err := l.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return storedEntry{}, ErrNotFound
	}
	if err != nil {
		return storedEntry{}, err
	}
	var se storedEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&se); err != nil {
		return storedEntry{}, fmt.Errorf("decode %s %s: %w", name, key, err)
	}
	return se, nil
}

func (l *LevelDB) Get(_ context.Context, name, key string) (Entry, error) {
	se, err := l.get(name, key)
	if err != nil {
		return Entry{}, err
	}
	return se.Entry, nil
}

func (l *LevelDB) Delete(_ context.Context, name, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, err := l.get(name, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(name, key))
	batch.Delete(orderKey(name, se.Seq))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) Keys(_ context.Context, name string) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(orderPrefix(name)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	return out, it.Error()
}

func (l *LevelDB) Names(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	return out, it.Error()
}

func (l *LevelDB) Drop(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{entryPrefix(name), orderPrefix(name)} {
		it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	batch.Delete(markerKey(name))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
