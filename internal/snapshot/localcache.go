package snapshot

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// LocalCache is a process-local front for the Postgres store: a small RAM
// LRU backed by a goleveldb directory so a restart doesn't cold-start every
// key against Postgres. It never talks to Postgres itself; callers fall
// through to the store on a miss and call Put to populate both tiers.
type LocalCache struct {
	ram *ramLRU

	db *leveldb.DB

	ops  chan cacheOp
	done chan struct{}
}

type cacheOp struct {
	key   string
	snap  *Snapshot // nil means delete
}

// LocalCacheConfig controls the RAM budget and on-disk location.
type LocalCacheConfig struct {
	RAMMaxEntries int
	DiskPath      string
}

// NewLocalCache opens the on-disk tier at cfg.DiskPath and starts the
// background disk writer.
func NewLocalCache(cfg LocalCacheConfig) (*LocalCache, error) {
	maxEntries := cfg.RAMMaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	db, err := leveldb.OpenFile(cfg.DiskPath, nil)
	if err != nil {
		return nil, err
	}
	c := &LocalCache{
		ram:  newRAMLRU(maxEntries),
		db:   db,
		ops:  make(chan cacheOp, 1024),
		done: make(chan struct{}),
	}
	go c.writerLoop()
	return c, nil
}

// Close stops the writer loop and releases the leveldb handle.
func (c *LocalCache) Close() error {
	close(c.ops)
	<-c.done
	return c.db.Close()
}

// Get returns the cached snapshot for key, checking RAM then disk.
func (c *LocalCache) Get(key Key) (*Snapshot, bool) {
	k := key.String()
	if snap, ok := c.ram.Get(k); ok {
		return snap, true
	}
	raw, err := c.db.Get([]byte(k), nil)
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := decodeSnapshotGob(raw, &snap); err != nil {
		return nil, false
	}
	snap.Key = key
	c.ram.Put(k, &snap)
	return &snap, true
}

// Put writes snap into the RAM tier synchronously and schedules an async
// disk write.
func (c *LocalCache) Put(key Key, snap *Snapshot) {
	k := key.String()
	c.ram.Put(k, snap)
	select {
	case c.ops <- cacheOp{key: k, snap: snap}:
	default:
		// writer backlog full; RAM tier still has it, disk tier will
		// catch up on the next Put for this key.
	}
}

// Delete evicts key from both tiers.
func (c *LocalCache) Delete(key Key) {
	k := key.String()
	c.ram.Delete(k)
	select {
	case c.ops <- cacheOp{key: k, snap: nil}:
	default:
	}
}

func (c *LocalCache) writerLoop() {
	defer close(c.done)
	for op := range c.ops {
		if op.snap == nil {
			_ = c.db.Delete([]byte(op.key), nil)
			continue
		}
		b, err := encodeSnapshotGob(op.snap)
		if err != nil {
			continue
		}
		_ = c.db.Put([]byte(op.key), b, nil)
	}
}

// ---- RAM LRU ----

type ramLRUItem struct {
	key  string
	snap *Snapshot
	prev *ramLRUItem
	next *ramLRUItem
}

type ramLRU struct {
	maxEntries int

	mu    sync.Mutex
	items map[string]*ramLRUItem
	head  *ramLRUItem
	tail  *ramLRUItem
}

func newRAMLRU(maxEntries int) *ramLRU {
	return &ramLRU{maxEntries: maxEntries, items: map[string]*ramLRUItem{}}
}

func (r *ramLRU) Get(key string) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return nil, false
	}
	r.moveToFront(it)
	return it.snap, true
}

func (r *ramLRU) Put(key string, snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[key]; ok {
		it.snap = snap
		r.moveToFront(it)
		return
	}
	it := &ramLRUItem{key: key, snap: snap}
	r.items[key] = it
	r.addToFront(it)
	for len(r.items) > r.maxEntries {
		victim := r.tail
		if victim == nil {
			break
		}
		r.remove(victim)
		delete(r.items, victim.key)
	}
}

func (r *ramLRU) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return
	}
	r.remove(it)
	delete(r.items, key)
}

func (r *ramLRU) addToFront(it *ramLRUItem) {
	it.prev = nil
	it.next = r.head
	if r.head != nil {
		r.head.prev = it
	}
	r.head = it
	if r.tail == nil {
		r.tail = it
	}
}

func (r *ramLRU) remove(it *ramLRUItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		r.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		r.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (r *ramLRU) moveToFront(it *ramLRUItem) {
	if r.head == it {
		return
	}
	r.remove(it)
	r.addToFront(it)
}

func encodeSnapshotGob(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshotGob(b []byte, s *Snapshot) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(s)
}
