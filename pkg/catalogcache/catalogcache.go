// Package catalogcache provides a non-authoritative, bbolt-backed read
// cache of the pool's BAT catalog for admin tooling. BBP.dir on disk
// remains the source of truth; this cache exists so a CLI or dashboard
// can list and search BATs without holding the pool's swap locks or
// replaying the directory file on every query.
package catalogcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/bbp/pkg/events"
	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Entry is the cached projection of one BAT, written by Put. It
// deliberately carries a subset of bbpdir.DirEntry: only the fields
// admin tooling queries.
type Entry struct {
	ID       uint32 `json:"id"`
	Logical  string `json:"logical"`
	Physical string `json:"physical"`
	Type     string `json:"type"`
	Count    int64  `json:"count"`
	Status   uint32 `json:"status"`
}

// Cache wraps a bbolt database holding the latest known Entry per BAT
// id, keyed by its decimal string so keys sort lexically in id order
// for ids of the same digit width.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if absent) the catalog cache database under
// dataDir.
func Open(dataDir string) (*Cache, error) {
	path := filepath.Join(dataDir, "catalog.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalogcache: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalogcache: init bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func entryKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

// Put inserts or replaces the cached entry for e.ID.
func (c *Cache) Put(e Entry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(entryKey(e.ID), data)
	})
}

// Delete drops the cached entry for id, called on bat.destroyed.
func (c *Cache) Delete(id uint32) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(entryKey(id))
	})
}

// Get returns the cached entry for id, or (Entry{}, false) if absent.
func (c *Cache) Get(id uint32) (Entry, bool, error) {
	var e Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get(entryKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

// ByName scans the cache for an entry with the given logical name.
// The cache is not indexed by name (the authoritative index lives in
// the pool's nameHash); this is an admin-tooling convenience, not a
// hot path.
func (c *Cache) ByName(name string) (Entry, bool, error) {
	var found Entry
	ok := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Logical == name {
				found = e
				ok = true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// List returns every cached entry, ordered by id.
func (c *Cache) List() ([]Entry, error) {
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Subscriber listens on a pool's event broker and keeps a Cache
// current: a bat.renamed event updates the logical name of an entry
// already in the cache, bat.destroyed drops the entry, and every
// other event is ignored. A full refresh still belongs to the caller
// (via a directory walk through the pool's QuickDesc), since the event
// stream alone does not carry every field.
type Subscriber struct {
	cache  *Cache
	sub    events.Subscriber
	broker *events.Broker
	stopCh chan struct{}
}

// Watch starts a goroutine applying events from broker to cache until
// Stop is called.
func Watch(cache *Cache, broker *events.Broker) *Subscriber {
	s := &Subscriber{
		cache:  cache,
		sub:    broker.Subscribe(),
		broker: broker,
		stopCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop unsubscribes from the broker and stops the watch goroutine.
func (s *Subscriber) Stop() {
	close(s.stopCh)
	s.broker.Unsubscribe(s.sub)
}

func (s *Subscriber) run() {
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.apply(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Subscriber) apply(ev *events.Event) {
	switch ev.Type {
	case events.EventBATDestroyed:
		if idStr, ok := ev.Metadata["bat_id"]; ok {
			var id uint32
			if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil {
				_ = s.cache.Delete(id)
			}
		}
	case events.EventBATRenamed:
		idStr, ok := ev.Metadata["bat_id"]
		newName := ev.Metadata["new_name"]
		if !ok {
			return
		}
		var id uint32
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return
		}
		entry, found, err := s.cache.Get(id)
		if err != nil || !found {
			return
		}
		entry.Logical = newName
		_ = s.cache.Put(entry)
	}
}
