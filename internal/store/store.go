// Package store keeps the bounded version history of daemon configurations
// in bbolt and writes the daemon's live config file atomically.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVersions = []byte("versions")
	bucketMeta     = []byte("meta")
	keyActive      = []byte("active")
	keyPending     = []byte("pending")
)

// Version sources.
const (
	SourceBootstrap = "bootstrap"
	SourceAPI       = "api"
	SourceRollback  = "rollback"
)

// Configuration is one stored version of the daemon configuration.
type Configuration struct {
	ID        uint64     `json:"id"`
	Content   []byte     `json:"-"`
	Size      int        `json:"size"`
	SHA256    string     `json:"sha256"`
	Source    string     `json:"source"`
	Validated bool       `json:"validated"`
	CreatedAt time.Time  `json:"createdAt"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
	Active    bool       `json:"active"`
}

// record is the stored JSON form.
type record struct {
	ID        uint64     `json:"id"`
	Content   string     `json:"content"`
	SHA256    string     `json:"sha256"`
	Source    string     `json:"source"`
	Validated bool       `json:"validated"`
	CreatedAt time.Time  `json:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

func (r *record) config(activeID uint64) Configuration {
	return Configuration{
		ID:        r.ID,
		Content:   []byte(r.Content),
		Size:      len(r.Content),
		SHA256:    r.SHA256,
		Source:    r.Source,
		Validated: r.Validated,
		CreatedAt: r.CreatedAt,
		AppliedAt: r.AppliedAt,
		Active:    r.ID == activeID,
	}
}

// Store is the bbolt-backed configuration history.
type Store struct {
	db     *bolt.DB
	limit  int
	logger *slog.Logger

	mu  sync.Mutex // serializes Stage and Promote
	now func() time.Time
}

// Open opens (creating if needed) the history database at path, keeping at
// most historyLimit versions.
func Open(path string, historyLimit int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, persistErr("create store directory", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, persistErr("open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVersions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, persistErr("create buckets", err)
	}

	if historyLimit < 2 {
		historyLimit = 2
	}
	return &Store{db: db, limit: historyLimit, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func activeID(tx *bolt.Tx) uint64 {
	return metaID(tx, keyActive)
}

func pendingID(tx *bolt.Tx) uint64 {
	return metaID(tx, keyPending)
}

func metaID(tx *bolt.Tx, key []byte) uint64 {
	v := tx.Bucket(bucketMeta).Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func getRecord(tx *bolt.Tx, id uint64) (*record, error) {
	data := tx.Bucket(bucketVersions).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode version %d: %w", id, err)
	}
	return &r, nil
}

func putRecord(tx *bolt.Tx, r *record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketVersions).Put(itob(r.ID), data)
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Stage records a new version and returns its id. The active pointer is
// not touched.
func (s *Store) Stage(content []byte, validated bool, source string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = s.stageTx(tx, content, validated, source)
		return err
	})
	if err != nil {
		return 0, persistErr("stage", err)
	}
	return id, nil
}

func (s *Store) stageTx(tx *bolt.Tx, content []byte, validated bool, source string) (uint64, error) {
	b := tx.Bucket(bucketVersions)
	id, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	r := &record{
		ID:        id,
		Content:   string(content),
		SHA256:    checksum(content),
		Source:    source,
		Validated: validated,
		CreatedAt: s.now().UTC(),
	}
	if err := putRecord(tx, r); err != nil {
		return 0, err
	}
	return id, s.evictTx(tx)
}

// evictTx drops the oldest versions beyond the limit, never the active or
// the pending one.
func (s *Store) evictTx(tx *bolt.Tx) error {
	b := tx.Bucket(bucketVersions)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	excess := len(keys) - s.limit
	if excess <= 0 {
		return nil
	}
	active, pending := activeID(tx), pendingID(tx)

	for _, k := range keys {
		if excess == 0 {
			break
		}
		id := binary.BigEndian.Uint64(k)
		if id == active || id == pending {
			continue
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		excess--
		s.logger.Debug("evicted configuration version", "id", id)
	}
	return nil
}

// Promote marks a version applied and makes it the active one, atomically.
func (s *Store) Promote(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.promoteTx(tx, id)
	})
	return persistErr("promote", err)
}

func (s *Store) promoteTx(tx *bolt.Tx, id uint64) error {
	r, err := getRecord(tx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	r.AppliedAt = &now
	if err := putRecord(tx, r); err != nil {
		return err
	}
	meta := tx.Bucket(bucketMeta)
	if pendingID(tx) == id {
		if err := meta.Delete(keyPending); err != nil {
			return err
		}
	}
	return meta.Put(keyActive, itob(id))
}

// SetPending records id as the version awaiting restart, which keeps it
// out of eviction. Zero clears the mark.
func (s *Store) SetPending(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if id == 0 {
			return meta.Delete(keyPending)
		}
		if _, err := getRecord(tx, id); err != nil {
			return err
		}
		return meta.Put(keyPending, itob(id))
	})
	return persistErr("set pending", err)
}

// Pending returns the version marked as awaiting restart. ErrNotFound
// means nothing is pending.
func (s *Store) Pending() (Configuration, error) {
	var cfg Configuration
	err := s.db.View(func(tx *bolt.Tx) error {
		id := pendingID(tx)
		if id == 0 {
			return fmt.Errorf("%w: no pending version", ErrNotFound)
		}
		r, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		cfg = r.config(activeID(tx))
		return nil
	})
	return cfg, persistErr("read pending", err)
}

// Bootstrap seeds the store with content as the active version when no
// version is active yet. It reports whether a version was created.
// validated records whether content passed validation; a daemon may
// already be running a file masqctl would reject.
func (s *Store) Bootstrap(content []byte, validated bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if activeID(tx) != 0 {
			return nil
		}
		id, err := s.stageTx(tx, content, validated, SourceBootstrap)
		if err != nil {
			return err
		}
		created = true
		return s.promoteTx(tx, id)
	})
	if err != nil {
		return false, persistErr("bootstrap", err)
	}
	return created, nil
}

// Active returns the currently active version.
func (s *Store) Active() (Configuration, error) {
	var cfg Configuration
	err := s.db.View(func(tx *bolt.Tx) error {
		id := activeID(tx)
		if id == 0 {
			return fmt.Errorf("%w: no active version", ErrNotFound)
		}
		r, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		cfg = r.config(id)
		return nil
	})
	return cfg, persistErr("read active", err)
}

// Get returns one version by id.
func (s *Store) Get(id uint64) (Configuration, error) {
	var cfg Configuration
	err := s.db.View(func(tx *bolt.Tx) error {
		r, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		cfg = r.config(activeID(tx))
		return nil
	})
	return cfg, persistErr("get", err)
}

// History returns up to limit versions, newest first. A non-positive limit
// returns all retained versions.
func (s *Store) History(limit int) ([]Configuration, error) {
	var out []Configuration
	err := s.db.View(func(tx *bolt.Tx) error {
		active := activeID(tx)
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode version %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, r.config(active))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("history", err)
	}
	return out, nil
}
