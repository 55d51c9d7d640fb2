// Package memdb is the in-memory reference implementation of
// eventdb.ColumnDB: a map[string][]byte per column behind a single mutex,
// with a batch that collects writes and applies them atomically under one
// lock acquisition. A production deployment swaps in a real storage engine
// behind the same eventdb.ColumnDB interface without touching callers.
package memdb

import (
	"bytes"
	"sort"
	"sync"

	"github.com/construct-io/constructd/internal/eventdb"
)

// DB is an in-memory ColumnDB.
type DB struct {
	mu      sync.RWMutex
	columns map[string]map[string][]byte
}

// New creates an empty in-memory column store.
func New() *DB {
	return &DB{columns: make(map[string]map[string][]byte)}
}

func (d *DB) column(name string) map[string][]byte {
	c, ok := d.columns[name]
	if !ok {
		c = make(map[string][]byte)
		d.columns[name] = c
	}
	return c
}

// Get reads a single key from column.
func (d *DB) Get(column string, key []byte) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.columns[column]
	if !ok {
		return nil, false, nil
	}
	v, ok := c[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Iterate returns an iterator over every key in column with the given
// prefix, in ascending key order.
func (d *DB) Iterate(column string, prefix []byte) (eventdb.Iterator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c := d.columns[column]
	keys := make([]string, 0, len(c))
	for k := range c {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([]eventdb.Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, eventdb.Entry{Key: []byte(k), Value: c[k]})
	}
	return &iterator{entries: entries, index: -1}, nil
}

type iterator struct {
	entries []eventdb.Entry
	index   int
}

func (it *iterator) Next() bool {
	it.index++
	return it.index < len(it.entries)
}

func (it *iterator) Entry() eventdb.Entry { return it.entries[it.index] }

func (it *iterator) Close() error { return nil }

type writeOp struct {
	column string
	key    string
	value  []byte
	delete bool
}

type batch struct {
	db  *DB
	ops []writeOp
}

// NewBatch starts a new batch of writes against this store.
func (d *DB) NewBatch() eventdb.Batch {
	return &batch{db: d}
}

func (b *batch) Put(column string, key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, writeOp{column: column, key: string(key), value: v})
}

func (b *batch) Delete(column string, key []byte) {
	b.ops = append(b.ops, writeOp{column: column, key: string(key), delete: true})
}

// Commit applies every staged write under a single lock acquisition, so a
// reader never observes a partially applied transaction.
func (b *batch) Commit() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		c := b.db.column(op.column)
		if op.delete {
			delete(c, op.key)
			continue
		}
		c[op.key] = op.value
	}
	return nil
}
