package session

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
)

// Archive persists session snapshots in a Badger key-value store so
// carts and history survive a restart. Writes are last-write-wins: the
// snapshot saved at the end of a run replaces whatever was there.
type Archive struct {
	db  *badger.DB
	log *logging.Logger
}

// OpenArchive opens (or creates) the store under dir.
func OpenArchive(dir string, log *logging.Logger) (*Archive, error) {
	if log == nil {
		log = logging.Nop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	return &Archive{db: db, log: log}, nil
}

// OpenArchiveInMemory opens a throwaway in-memory store for tests.
func OpenArchiveInMemory() (*Archive, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	return &Archive{db: db, log: logging.Nop()}, nil
}

func archiveKey(key Key) []byte {
	return []byte("session/" + key.String())
}

// Save stores a snapshot of s under its conversation key.
func (a *Archive) Save(s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.Key, err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(archiveKey(s.Key), payload)
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.Key, err)
	}
	a.log.Debug("session archived", "key", s.Key.String(), "messages", len(s.Messages))
	return nil
}

// Load fetches the snapshot for key. ok is false when none exists.
func (a *Archive) Load(key Key) (s *Session, ok bool, err error) {
	err = a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			s = &Session{}
			return json.Unmarshal(val, s)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", key, err)
	}
	if s.MaxHistory <= 0 {
		s.MaxHistory = DefaultMaxHistory
	}
	if s.CartState == nil {
		s.CartState = make(map[string]int64)
	}
	return s, true, nil
}

// Delete removes the snapshot for key, if any.
func (a *Archive) Delete(key Key) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(archiveKey(key))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	return a.db.Close()
}
