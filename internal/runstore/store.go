// Package runstore keeps local run bookkeeping in an embedded badger
// database: the last run number per experiment and one record per run.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	logs "github.com/danmuck/daqctl/internal/logging"
)

var ErrClosed = errors.New("runstore: closed")

type RunRecord struct {
	Experiment string    `json:"experiment"`
	Run        int       `json:"run"`
	Begin      time.Time `json:"begin"`
	End        time.Time `json:"end,omitempty"`
	Recording  bool      `json:"recording"`
}

type Store struct {
	db *badger.DB
}

// Open uses dir on disk, or an in-memory database when dir is empty.
func Open(dir string) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func lastKey(exp string) []byte { return []byte("last/" + exp) }

func runKey(exp string, run int) []byte {
	return []byte(fmt.Sprintf("run/%s/%010d", exp, run))
}

// LastRunNumber returns the last completed run of exp and whether one exists.
func (s *Store) LastRunNumber(exp string) (int, bool, error) {
	var n int
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastKey(exp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return err
			}
			n, found = v, true
			return nil
		})
	})
	return n, found, err
}

func (s *Store) BeginRun(rec RunRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.Experiment, rec.Run), raw)
	})
}

// EndRun stamps the run record and advances the experiment's last run number.
func (s *Store) EndRun(exp string, run int, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec := RunRecord{Experiment: exp, Run: run}
		item, err := txn.Get(runKey(exp, run))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		rec.End = at
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(runKey(exp, run), raw); err != nil {
			return err
		}
		return txn.Set(lastKey(exp), []byte(strconv.Itoa(run)))
	})
}

// Runs lists the records of exp in run order.
func (s *Store) Runs(exp string) ([]RunRecord, error) {
	var out []RunRecord
	prefix := []byte("run/" + exp + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec RunRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any)   { logs.Errf("runstore.badger "+format, args...) }
func (badgerLogger) Warningf(format string, args ...any) { logs.Warnf("runstore.badger "+format, args...) }
func (badgerLogger) Infof(format string, args ...any)    { logs.Debugf("runstore.badger "+format, args...) }
func (badgerLogger) Debugf(format string, args ...any)   { logs.Tracef("runstore.badger "+format, args...) }
