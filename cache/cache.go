// Package cache stores compiled program images in a SQLite database so that
// unchanged sources skip the compiler on the next run.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/nai/compiler"
	"github.com/chazu/nai/compiler/hash"
	"github.com/chazu/nai/vm"
)

var log = commonlog.GetLogger("nai.cache")

// ErrNotFound indicates no image is stored under the key.
var ErrNotFound = errors.New("image not found")

// Cache is a SQLite-backed store of CBOR program images.
type Cache struct {
	db   *sql.DB
	path string
	mu   sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

// Stats summarizes the cache contents and this process's lookups.
type Stats struct {
	Entries int64
	Bytes   int64
	Hits    uint64
	Misses  uint64
}

// Open opens or creates the cache database at path, creating parent
// directories as needed.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	// One connection keeps writes serialized and makes :memory: usable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		key       TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		image     BLOB NOT NULL,
		created   INTEGER NOT NULL,
		last_used INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened image cache %s", path)
	return &Cache{db: db, path: path, now: time.Now}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database file the cache was opened on.
func (c *Cache) Path() string {
	return c.path
}

// Key derives the cache key of a source: its AST digest combined with the
// module name and the toolchain version that compiled it.
func Key(name, src, toolchain string) (string, error) {
	d, err := hash.HashSource(name, src)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(d[:])
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(toolchain))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the image stored under key, or ErrNotFound.
func (c *Cache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var image []byte
	err := c.db.QueryRow("SELECT image FROM images WHERE key = ?", key).Scan(&image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.misses.Add(1)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	if _, err := c.db.Exec("UPDATE images SET last_used = ? WHERE key = ?", c.now().UnixNano(), key); err != nil {
		return nil, fmt.Errorf("touching image: %w", err)
	}
	c.hits.Add(1)
	return image, nil
}

// Put stores an image under key, replacing any previous entry.
func (c *Cache) Put(key, name string, image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO images (key, name, image, created, last_used) VALUES (?, ?, ?, ?, ?)",
		key, name, image, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving image: %w", err)
	}
	return nil
}

// Stats reports the number and total size of stored images.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	err := c.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(LENGTH(image)), 0) FROM images").Scan(&s.Entries, &s.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return s, nil
}

// Prune deletes images not used within maxAge and returns how many went.
func (c *Cache) Prune(maxAge time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge).UnixNano()
	res, err := c.db.Exec("DELETE FROM images WHERE last_used < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning images: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning images: %w", err)
	}
	if n > 0 {
		log.Infof("pruned %d cached images", n)
	}
	return n, nil
}

// Compile returns the module for src, from the cache when an image for the
// same program and toolchain is stored, otherwise by compiling it and
// storing the result. The bool reports a cache hit.
func (c *Cache) Compile(name, src string, natives *vm.Natives, toolchain string) (*vm.Module, bool, error) {
	key, err := Key(name, src, toolchain)
	if err != nil {
		return nil, false, err
	}

	data, err := c.Get(key)
	switch {
	case err == nil:
		m, derr := vm.DecodeImage(data)
		if derr == nil {
			log.Debugf("cache hit for %s", name)
			return m, true, nil
		}
		log.Warningf("discarding unreadable cached image for %s: %v", name, derr)
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	m, err := compiler.Compile(name, src, natives)
	if err != nil {
		return nil, false, err
	}
	image, err := vm.EncodeImage(m, toolchain)
	if err != nil {
		return nil, false, err
	}
	if err := c.Put(key, name, image); err != nil {
		return nil, false, err
	}
	return m, false, nil
}
