// Package store persists the engine's event journal and market snapshots.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

var (
	journalPrefix = []byte("perps:journal:")
	seqKey        = []byte("perps:seq")
	infoPrefix    = []byte("perps:info:")
)

// Open opens the BadgerDB-backed store under dataPath, falling back to
// an in-memory database when BadgerDB cannot be opened.
func Open(dataPath, namespace string, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = namespace

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", dataPath)
	}
	return db, nil
}

// OpenMemory opens an in-memory database, for tests and ephemeral runs.
func OpenMemory(dataPath string) (database.Database, error) {
	dbManager := manager.NewManager(dataPath, nil)
	return dbManager.New(manager.DefaultMemoryConfig())
}

// Store journals engine events and keeps the latest market snapshot per
// symbol. One writer at a time; reads go straight to the database.
type Store struct {
	db     database.Database
	logger log.Logger

	mu      sync.Mutex
	nextSeq uint64
}

// New wraps a database, resuming the journal sequence where the last
// run left off.
func New(db database.Database, logger log.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}

	raw, err := db.Get(seqKey)
	switch err {
	case nil:
		s.nextSeq = binary.BigEndian.Uint64(raw)
	case database.ErrNotFound:
		s.nextSeq = 0
	default:
		return nil, fmt.Errorf("load journal sequence: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextSeq returns the sequence number the next appended event gets.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

// AppendEvent journals one event and returns its sequence number. The
// event and the advanced sequence commit in one batch.
func (s *Store) AppendEvent(ev perps.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	seq := s.nextSeq
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, seq+1)

	batch := s.db.NewBatch()
	defer batch.Reset()
	if err := batch.Put(journalKey(seq), payload); err != nil {
		return 0, err
	}
	if err := batch.Put(seqKey, next); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("write journal batch: %w", err)
	}

	s.nextSeq = seq + 1
	return seq, nil
}

// JournaledEvent pairs an event with its journal sequence number.
type JournaledEvent struct {
	Seq   uint64      `json:"seq"`
	Event perps.Event `json:"event"`
}

// ReadEvents returns up to limit journaled events starting at fromSeq.
func (s *Store) ReadEvents(fromSeq uint64, limit int) ([]JournaledEvent, error) {
	iter := s.db.NewIteratorWithStartAndPrefix(journalKey(fromSeq), journalPrefix)
	defer iter.Release()

	var out []JournaledEvent
	for iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(journalPrefix):])

		var ev perps.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode journal entry %d: %w", seq, err)
		}
		out = append(out, JournaledEvent{Seq: seq, Event: ev})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func infoKey(marketID, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", infoPrefix, marketID, symbol))
}

// PutMarketInfo stores the latest running counters for a symbol.
func (s *Store) PutMarketInfo(marketID, symbol string, info perps.MarketInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal market info: %w", err)
	}
	return s.db.Put(infoKey(marketID, symbol), payload)
}

// GetMarketInfo loads the stored counters for a symbol. Returns
// database.ErrNotFound when no snapshot exists.
func (s *Store) GetMarketInfo(marketID, symbol string) (perps.MarketInfo, error) {
	var info perps.MarketInfo
	raw, err := s.db.Get(infoKey(marketID, symbol))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("decode market info: %w", err)
	}
	return info, nil
}
