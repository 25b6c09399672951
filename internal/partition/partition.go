// Package partition implements named, insertion-ordered response caches.
//
// A Backend stores entries for any number of partitions; a Partition is a
// handle onto one of them. Writing an existing key replaces the entry and
// moves it to the newest position, so each key appears once.
package partition

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("partition: entry not found")

// Entry is a stored response snapshot.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt int64 // unix nanoseconds
	TTL      time.Duration
}

// Age returns how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.CachedAt))
}

// Stale reports whether the entry outlived its nominal TTL.
func (e Entry) Stale(now time.Time) bool {
	return e.TTL > 0 && e.Age(now) > e.TTL
}

// Backend is the storage behind all partitions.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, name string, e Entry) error
	Get(ctx context.Context, name, key string) (Entry, error)
	Delete(ctx context.Context, name, key string) error
	// Keys lists keys of a partition, oldest first.
	Keys(ctx context.Context, name string) ([]string, error)
	// Names lists partitions that exist.
	Names(ctx context.Context) ([]string, error)
	// Drop removes a partition and all its entries.
	Drop(ctx context.Context, name string) error
	Close() error
}

// Partition is a handle onto one named partition.
type Partition struct {
	name string
	b    Backend
}

// Open returns the handle for name. Nothing is created until the first Put.
func Open(b Backend, name string) *Partition {
	return &Partition{name: name, b: b}
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) Put(ctx context.Context, e Entry) error {
	if e.CachedAt == 0 {
		e.CachedAt = time.Now().UnixNano()
	}
	return p.b.Put(ctx, p.name, e)
}

func (p *Partition) Get(ctx context.Context, key string) (Entry, error) {
	return p.b.Get(ctx, p.name, key)
}

// Match returns the entry for key; any backend error is treated as a miss.
func (p *Partition) Match(ctx context.Context, key string) (Entry, bool) {
	e, err := p.b.Get(ctx, p.name, key)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

// MatchFirst returns the entry for the first key that hits.
func (p *Partition) MatchFirst(ctx context.Context, keys ...string) (Entry, bool) {
	for _, k := range keys {
		if e, ok := p.Match(ctx, k); ok {
			return e, true
		}
	}
	return Entry{}, false
}

func (p *Partition) Delete(ctx context.Context, key string) error {
	return p.b.Delete(ctx, p.name, key)
}

func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	return p.b.Keys(ctx, p.name)
}

func (p *Partition) Len(ctx context.Context) (int, error) {
	keys, err := p.b.Keys(ctx, p.name)
	return len(keys), err
}

func encodeHeader(h http.Header) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHeader(b []byte) (http.Header, error) {
	h := make(http.Header)
	if len(b) == 0 {
		return h, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&h); err != nil {
		return nil, err
	}
	return h, nil
}

func init() {
	gob.Register(http.Header{})
}
