// Package state persists per-unit processing state in BadgerDB. It is the
// sole source of truth for "has this content been handled": the orchestrator
// consults it before enqueuing work and writes every status transition
// through it, so a restart resumes instead of reprocessing.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"callscribe/internal/logger"
	"callscribe/internal/types"
)

// Error is a persisted-state failure (corruption, storage errors).
type Error struct {
	Reason    string
	Transient bool
}

func (e *Error) Error() string { return "state: " + e.Reason }

func (e *Error) IsTransient() bool { return e.Transient }

// ErrNotFound is returned when no unit exists for the requested key.
var ErrNotFound = errors.New("state: unit not found")

const (
	unitPrefix = "unit:"
	hashPrefix = "hash:"
)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the on-disk state database.
func Open(dir string, log *logger.Logger) (*Store, error) {
	return open(badger.DefaultOptions(dir).WithLogger(badgerLogger{log}))
}

// OpenInMemory runs the store on a real badger engine without disk
// persistence, for tests.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("open state db: %v", err)}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the unit with the given ID, or ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (types.AudioUnit, error) {
	var unit types.AudioUnit
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(unitPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &unit)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.AudioUnit{}, ErrNotFound
	}
	if err != nil {
		return types.AudioUnit{}, &Error{Reason: fmt.Sprintf("read unit %s: %v", id, err)}
	}
	return unit, nil
}

// Put upserts the unit record and its content-hash index entry in one
// transaction. Callers serialize Put per unit ID; the orchestrator owns that
// lock.
func (s *Store) Put(_ context.Context, unit types.AudioUnit) error {
	val, err := json.Marshal(unit)
	if err != nil {
		return &Error{Reason: fmt.Sprintf("encode unit %s: %v", unit.ID, err)}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(unitPrefix+unit.ID), val); err != nil {
			return err
		}
		return txn.Set([]byte(hashPrefix+unit.ContentHash), []byte(unit.ID))
	})
	if err != nil {
		return &Error{Reason: fmt.Sprintf("write unit %s: %v", unit.ID, err), Transient: true}
	}
	return nil
}

// FindByHash resolves a content hash to its unit, the dedup check for
// re-delivered audio.
func (s *Store) FindByHash(ctx context.Context, hash string) (types.AudioUnit, bool, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hashPrefix + hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.AudioUnit{}, false, nil
	}
	if err != nil {
		return types.AudioUnit{}, false, &Error{Reason: fmt.Sprintf("read hash index: %v", err)}
	}
	unit, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Dangling index entry counts as corruption, not absence.
		return types.AudioUnit{}, false, &Error{Reason: fmt.Sprintf("hash index points at missing unit %s", id)}
	}
	if err != nil {
		return types.AudioUnit{}, false, err
	}
	return unit, true, nil
}

// List returns all known units ordered by arrival time, then ID.
func (s *Store) List(_ context.Context) ([]types.AudioUnit, error) {
	var out []types.AudioUnit
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(unitPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var unit types.AudioUnit
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &unit)
			})
			if err != nil {
				return err
			}
			out = append(out, unit)
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("list units: %v", err)}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ArrivedAt.Equal(out[j].ArrivedAt) {
			return out[i].ArrivedAt.Before(out[j].ArrivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// badgerLogger routes badger's own output through our logger, dropping the
// chatty info/debug levels.
type badgerLogger struct {
	log *logger.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.log.Errorf("badger: "+f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.log.Warnf("badger: "+f, v...) }
func (b badgerLogger) Infof(string, ...interface{})        {}
func (b badgerLogger) Debugf(string, ...interface{})       {}
