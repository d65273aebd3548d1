// Package store provides crash-safe persistence for trader state.
//
// Each account's state is one JSON snapshot: <account>.storage, written at the
// end of a successful invocation. Writes use atomic file replacement (write
// to .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save.
//
// Take-profit sells are the one side effect that must survive a crash inside
// an invocation: they are appended to <account>.journal the moment they are
// placed, replayed into the snapshot on Load, and the journal is truncated
// once Save lands a snapshot that includes them.
//
// A flock on <account>.lock keeps overlapping invocations (a slow run plus
// the next cron tick) from trading the same ladders twice.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"gridtrader/internal/trader"
	"gridtrader/pkg/types"
)

const schemaVersion = 1

// ErrSnapshotMissing reports that no snapshot exists for the account yet.
// Fatal for monitor; init is the verb that creates one.
var ErrSnapshotMissing = errors.New("no snapshot for account")

// ErrLocked reports that another invocation holds the account's run lock.
var ErrLocked = errors.New("account is locked by another invocation")

// snapshot is the on-disk envelope around trader state.
type snapshot struct {
	SchemaVersion int           `json:"schemaVersion"`
	SavedAt       time.Time     `json:"savedAt"`
	Trader        *trader.State `json:"trader"`
}

// Store persists per-account state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) snapshotPath(account string) string {
	return filepath.Join(s.dir, account+".storage")
}

func (s *Store) journalPath(account string) string {
	return filepath.Join(s.dir, account+".journal")
}

// Save atomically persists an account's state and truncates its take-profit
// journal; everything the journal held is now inside the snapshot.
func (s *Store) Save(account string, st *trader.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{
		SchemaVersion: schemaVersion,
		SavedAt:       time.Now().UTC(),
		Trader:        st,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.snapshotPath(account)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	if err := os.Truncate(s.journalPath(account), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate journal: %w", err)
	}
	return nil
}

// Load restores an account's state from disk and replays any journalled
// take-profits the last run placed but never got into a snapshot.
func (s *Store) Load(account string) (*trader.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath(account))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotMissing, account)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot for %s: %w", account, err)
	}
	if snap.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("snapshot for %s has schema version %d, want %d",
			account, snap.SchemaVersion, schemaVersion)
	}
	st := snap.Trader
	if st == nil {
		return nil, fmt.Errorf("snapshot for %s has no trader state", account)
	}
	if st.TakeProfits == nil {
		st.TakeProfits = make(map[types.OrderID]trader.TakeProfit)
	}

	if err := s.replayJournal(account, st); err != nil {
		return nil, err
	}
	return st, nil
}

// replayJournal folds journalled take-profits into the loaded state. Entries
// already in the snapshot are simply overwritten with identical values.
func (s *Store) replayJournal(account string, st *trader.State) error {
	f, err := os.Open(s.journalPath(account))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tp trader.TakeProfit
		if err := json.Unmarshal(line, &tp); err != nil {
			return fmt.Errorf("parse journal entry for %s: %w", account, err)
		}
		st.TakeProfits[tp.BuyOrderID] = tp
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

// Journal appends take-profits to the account's journal file as JSON lines,
// syncing after each record so a crash right after placement loses nothing.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

// Journal opens (creating if needed) the append-only journal for an account.
func (s *Store) Journal(account string) (*Journal, error) {
	f, err := os.OpenFile(s.journalPath(account), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{f: f}, nil
}

// Record appends one take-profit and syncs it to disk.
func (j *Journal) Record(tp trader.TakeProfit) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(tp)
	if err != nil {
		return fmt.Errorf("marshal take-profit: %w", err)
	}
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append take-profit: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.f.Close()
}

// Lock takes the account's run lock without blocking. The returned release
// function must be called when the invocation finishes.
func (s *Store) Lock(account string) (release func(), err error) {
	l := flock.New(filepath.Join(s.dir, account+".lock"))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, account)
	}
	return func() { _ = l.Unlock() }, nil
}
