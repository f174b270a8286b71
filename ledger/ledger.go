package ledger

import (
	"encoding/json"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"

	slog "github.com/shelfward/shelfward/log"
)

const entryRootKey = "/entry/"
const stateRootKey = "/state/"

var ErrNotFound = errors.New("ledger entry not found")

// Entry is one tracker-sourced download added through this system.
// Everything except the organized flag is immutable after creation.
type Entry struct {
	InfoHash     string    `json:"info_hash"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Series       string    `json:"series,omitempty"`
	Category     string    `json:"category,omitempty"`
	RelativePath string    `json:"requested_relative_path"`
	Organized    bool      `json:"organized"`
	AddedAt      time.Time `json:"added_at"`
}

// Store is the durable ledger, keyed by info-hash.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the ledger database. An unreadable database is
// a hard failure: the caller must not proceed as if the ledger were empty.
func NewStore(dir string) (*Store, error) {
	l := log.Logger.With().Str("component", "ledger").Logger()

	opts := badger.DefaultOptions(dir).
		WithLogger(&slog.Badger{L: l}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	err = db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func entryKey(hash string) []byte {
	return []byte(path.Join(entryRootKey, strings.ToLower(hash)))
}

// update runs fn in a read-write transaction, retrying when a concurrent
// writer touched the same keys. fn must reset any captured state on entry.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
}

// UpsertIfAbsent stores the entry unless one already exists for its hash.
// Re-adding known content is a no-op; it reports whether a new entry was
// created.
func (s *Store) UpsertIfAbsent(e *Entry) (bool, error) {
	e.InfoHash = strings.ToLower(e.InfoHash)
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}

	created := false
	err := s.update(func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(entryKey(e.InfoHash))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		created = true
		return txn.Set(entryKey(e.InfoHash), b)
	})
	if err != nil {
		return false, err
	}
	if created {
		return true, s.db.Sync()
	}
	return false, nil
}

func (s *Store) Get(hash string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(entryKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return it.Value(func(v []byte) error {
			e = &Entry{}
			return json.Unmarshal(v, e)
		})
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListUnorganized returns every entry whose organized flag is still false.
func (s *Store) ListUnorganized() ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryRootKey)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(v []byte) error {
				e := &Entry{}
				if err := json.Unmarshal(v, e); err != nil {
					return err
				}
				if !e.Organized {
					out = append(out, e)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOrganized flips the organized flag for the given hash. The read and
// write happen inside one transaction, so when the on-add path and a sweep
// race for the same entry exactly one of them sees false and wins. A losing
// transaction is retried against the new value, where it sees the flag set
// and backs off. It reports whether this call performed the transition.
func (s *Store) MarkOrganized(hash string) (bool, error) {
	won := false
	err := s.update(func(txn *badger.Txn) error {
		won = false
		it, err := txn.Get(entryKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		e := &Entry{}
		if err := it.Value(func(v []byte) error {
			return json.Unmarshal(v, e)
		}); err != nil {
			return err
		}

		if e.Organized {
			return nil
		}
		e.Organized = true

		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		won = true
		return txn.Set(entryKey(hash), b)
	})
	if err != nil {
		return false, err
	}
	if won {
		return true, s.db.Sync()
	}
	return false, nil
}

// PutState stores a small piece of job state (e.g. the last seen public IP)
// alongside the ledger entries.
func (s *Store) PutState(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path.Join(stateRootKey, key)), []byte(value))
	})
	if err != nil {
		return err
	}
	return s.db.Sync()
}

func (s *Store) GetState(key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(path.Join(stateRootKey, key)))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return it.Value(func(v []byte) error {
			out = string(v)
			return nil
		})
	})
	return out, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
