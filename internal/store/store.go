// Package store is the agent's local persistence, backed by LevelDB. It keeps
// small operator settings and a bounded ring of recent agent log lines so a
// controller can inspect what the agent did after the fact.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// DefaultMaxLogEntries bounds the retained log when the config does not.
const DefaultMaxLogEntries = 500

// Key layout. Settings and log lines share one database, split by prefix:
//
//	s|<name>            -> setting value (raw string)
//	g|<seq, %020d>      -> JSON-encoded schemas.LogEntry
//
// Zero-padding the sequence keeps byte order equal to age order, so prefix
// iteration always walks oldest to newest.
const (
	prefixSetting = "s|"
	prefixLog     = "g|"
)

func logKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixLog, seq)
}

// Store is a LevelDB-backed schemas.SettingsStore. Log appends are serialized
// under a mutex; settings reads and writes go straight to the database.
type Store struct {
	logger *zap.Logger
	db     *leveldb.DB

	mu         sync.Mutex
	nextSeq    uint64
	logCount   int
	maxEntries int
}

var _ schemas.SettingsStore = (*Store)(nil)

// Open opens (or creates) the store at the configured path and recovers the
// log sequence counter from whatever entries survived the last run.
func Open(logger *zap.Logger, cfg config.StoreConfig) (*Store, error) {
	path, err := cfg.ExpandedPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %q: %w", path, err)
	}

	maxEntries := cfg.MaxLogEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxLogEntries
	}

	s := &Store{
		logger:     logger.Named("store"),
		db:         db,
		maxEntries: maxEntries,
	}
	if err := s.scanLogState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover log state: %w", err)
	}

	s.logger.Info("Store opened",
		zap.String("path", path),
		zap.Int("log_entries", s.logCount),
		zap.Int("max_log_entries", s.maxEntries))

	return s, nil
}

// scanLogState counts retained log entries and resumes the sequence counter
// past the highest key on disk.
func (s *Store) scanLogState() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixLog)), nil)
	defer iter.Release()

	for iter.Next() {
		s.logCount++
		raw := strings.TrimPrefix(string(iter.Key()), prefixLog)
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
	}
	return iter.Error()
}

// Get returns the stored value for a setting. A missing key is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	raw, err := s.db.Get([]byte(prefixSetting+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return string(raw), true, nil
}

// Set writes a setting, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if err := s.db.Put([]byte(prefixSetting+key), []byte(value), nil); err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// AppendLog stores one log line and evicts the oldest entries beyond the
// retention cap. The append and its evictions commit in a single batch.
func (s *Store) AppendLog(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := schemas.LogEntry{
		Seq:  s.nextSeq,
		At:   time.Now().UTC(),
		Line: line,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(logKey(entry.Seq)), raw)

	evict := s.logCount + 1 - s.maxEntries
	if evict > 0 {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixLog)), nil)
		for evict > 0 && iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
			evict--
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("failed to scan log entries for eviction: %w", err)
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	s.nextSeq++
	s.logCount = min(s.logCount+1, s.maxEntries)
	return nil
}

// RecentLogs returns up to limit entries, newest first. Entries that no
// longer decode are skipped rather than failing the whole read.
func (s *Store) RecentLogs(limit int) ([]schemas.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixLog)), nil)
	defer iter.Release()

	entries := make([]schemas.LogEntry, 0, limit)
	for ok := iter.Last(); ok && len(entries) < limit; ok = iter.Prev() {
		var entry schemas.LogEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			s.logger.Warn("Skipping undecodable log entry",
				zap.ByteString("key", iter.Key()),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}

	return entries, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
