// Package tracestore archives drained invoke traces in a BoltDB file.
//
// Each archived trace gets a sequential id. The entries are stored in the
// compressed export format next to a small record carrying the digest, so
// a trace read back can be checked against what was written.
package tracestore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

var (
	// ErrTraceNotFound is returned when a trace doesn't exist.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrCorrupt is returned when stored entries don't match their digest.
	ErrCorrupt = errors.New("trace digest mismatch")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("trace store closed")
)

// Bucket names for BoltDB.
var (
	// bucketTraces stores exported entries keyed by id.
	bucketTraces = []byte("traces")

	// bucketRecords stores gob-encoded records keyed by id.
	bucketRecords = []byte("records")
)

// DefaultRetainTraces is the number of traces kept by pruning.
const DefaultRetainTraces = 10_000

// Config holds trace store configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// PruneEnabled enables background pruning of old traces.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainTraces is the number of newest traces kept by pruning.
	RetainTraces uint64

	Logger log.Logger `toml:"-"`
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		PruneInterval: time.Hour,
		RetainTraces:  DefaultRetainTraces,
	}
}

// Record describes an archived trace.
type Record struct {
	ID       uint64
	Created  time.Time
	Label    string
	Status   string
	Entries  int
	Consumed uint64
	Digest   types.Hash
}

// Failed reports whether the traced transaction failed.
func (r *Record) Failed() bool { return r.Status != "" }

// Store is a BoltDB-backed trace archive.
type Store struct {
	db     *bolt.DB
	config Config
	log    log.Logger

	mu     sync.RWMutex
	closed bool

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup
}

// Open creates or opens a trace store.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	s := &Store{
		db:        db,
		config:    config,
		log:       logger.New("db", config.Path),
		pruneStop: make(chan struct{}),
	}

	if !config.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketTraces, bucketRecords} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
		if config.PruneEnabled && config.PruneInterval > 0 {
			s.startPruning()
		}
	}
	return s, nil
}

func (s *Store) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.Prune(s.config.RetainTraces)
				if err != nil {
					s.log.Warn("Trace pruning failed", "err", err)
				} else if n > 0 {
					s.log.Debug("Pruned traces", "count", n)
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put archives entries under label. status is the transaction outcome, nil
// on success.
func (s *Store) Put(label string, status error, entries []trace.Entry) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := trace.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	rec := &Record{
		Created: time.Now().UTC(),
		Label:   label,
		Entries: len(entries),
		Digest:  trace.Digest(entries),
	}
	if status != nil {
		rec.Status = status.Error()
	}
	for _, e := range entries {
		if e.Kind == trace.FrameExit && e.Depth == 1 {
			rec.Consumed += e.ComputeConsumed
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		id, err := records.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put(idKey(id), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketTraces).Put(idKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("Archived trace", "id", rec.ID, "entries", rec.Entries, "label", label)
	return rec, nil
}

// Get returns the record and entries of trace id. The entries are checked
// against the stored digest.
func (s *Store) Get(id uint64) (*Record, []trace.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	var (
		rec  Record
		data []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(idKey(id))
		if v == nil {
			return ErrTraceNotFound
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return fmt.Errorf("decode record %d: %w", id, err)
		}
		// Bolt values are only valid inside the transaction.
		data = append([]byte(nil), tx.Bucket(bucketTraces).Get(idKey(id))...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	entries, err := trace.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode trace %d: %w", id, err)
	}
	if trace.Digest(entries) != rec.Digest {
		return nil, nil, fmt.Errorf("%w: trace %d", ErrCorrupt, id)
	}
	return &rec, entries, nil
}

// List returns up to limit records, newest first. A zero limit returns
// every record.
func (s *Store) List(limit int) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Count returns the number of archived traces.
func (s *Store) Count() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Delete removes trace id. Deleting a missing trace is a no-op.
func (s *Store) Delete(id uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Delete(idKey(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketTraces).Delete(idKey(id))
	})
}

// Prune deletes all but the newest keep traces and returns how many were
// removed.
func (s *Store) Prune(keep uint64) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var pruned uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		traces := tx.Bucket(bucketTraces)

		var seen uint64
		var stale [][]byte
		c := records.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := records.Delete(k); err != nil {
				return err
			}
			if err := traces.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Close stops pruning and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.pruneStop)
	s.pruneWG.Wait()
	return s.db.Close()
}
