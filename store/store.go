// Package store persists collaboration clocks, snapshots and locally
// authored deltas.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/vclock"
)

// ErrNotFound is returned when nothing was persisted yet.
var ErrNotFound = leveldb.ErrNotFound

// Store is the persistence collaborator of a single collaboration.
type Store interface {
	LoadLatestClock(ctx context.Context) (vclock.Clock, error)
	LoadState(ctx context.Context) (*types.FullState, error)
	LoadDeltas(ctx context.Context) ([]types.DeltaRecord, error)
	AppendDelta(ctx context.Context, record *types.DeltaRecord) error
	SaveState(ctx context.Context, state *types.FullState) error
	Close() error
}

// Config for the database.
type Config struct {
	Path      string `mapstructure:"path"`
	Cache     int    `mapstructure:"cache"`
	Handles   int    `mapstructure:"handles"`
	MaxDeltas int    `mapstructure:"max-deltas"`
}

// DefaultConfig returns config with an in-memory database.
func DefaultConfig() Config {
	return Config{
		Cache:     16,
		Handles:   16,
		MaxDeltas: 1000,
	}
}

// Opt modifies DB.
type Opt func(*DB)

// WithLogger sets logger for DB.
func WithLogger(logger *zap.Logger) Opt {
	return func(db *DB) {
		db.logger = logger
	}
}

// DB is a leveldb database shared by all collaborations of the process.
type DB struct {
	logger *zap.Logger
	cfg    Config
	db     *leveldb.DB

	mu     sync.Mutex
	open   int
	closed bool
}

// Open opens the database at cfg.Path, or an in-memory database if the path is empty.
func Open(cfg Config, opts ...Opt) (*DB, error) {
	db := &DB{logger: zap.NewNop(), cfg: cfg}
	for _, opt := range opts {
		opt(db)
	}
	// Ensure we have some minimal caching and file guarantees
	if cfg.Cache < 16 {
		cfg.Cache = 16
	}
	if cfg.Handles < 16 {
		cfg.Handles = 16
	}
	options := &opt.Options{
		OpenFilesCacheCapacity: cfg.Handles,
		BlockCacheCapacity:     cfg.Cache / 2 * opt.MiB,
		WriteBuffer:            cfg.Cache / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
	var (
		ldb *leveldb.DB
		err error
	)
	if cfg.Path == "" {
		ldb, err = leveldb.Open(storage.NewMemStorage(), options)
	} else {
		db.logger.Info("opening database",
			zap.String("path", cfg.Path),
			zap.Int("cache_size", cfg.Cache),
			zap.Int("num_handles", cfg.Handles),
		)
		ldb, err = leveldb.OpenFile(cfg.Path, options)
		var corrupted *lerrors.ErrCorrupted
		if errors.As(err, &corrupted) {
			db.logger.Warn("recovering corrupted database", zap.String("path", cfg.Path), zap.Error(err))
			ldb, err = leveldb.RecoverFile(cfg.Path, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.db = ldb
	return db, nil
}

// OpenMemory opens an in-memory database.
func OpenMemory(opts ...Opt) *DB {
	db, err := Open(DefaultConfig(), opts...)
	if err != nil {
		panic(err)
	}
	return db
}

// Collaboration returns a store scoped to the named collaboration.
// Closing the returned store does not close the database.
func (db *DB) Collaboration(name string) *LevelStore {
	db.mu.Lock()
	db.open++
	db.mu.Unlock()
	return &LevelStore{
		db:        db,
		prefix:    []byte(name + "/"),
		maxDeltas: db.cfg.MaxDeltas,
	}
}

// Close closes the underlying database.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.open > 0 {
		db.logger.Debug("closing database with open collaborations", zap.Int("open", db.open))
	}
	return db.db.Close()
}

func (db *DB) release() {
	db.mu.Lock()
	db.open--
	db.mu.Unlock()
}

var (
	clockKey  = []byte("clock")
	stateKey  = []byte("state")
	deltasKey = []byte("delta/")
)

// LevelStore implements Store with a per-collaboration key prefix.
type LevelStore struct {
	db        *DB
	prefix    []byte
	maxDeltas int

	mu     sync.Mutex
	seq    uint64
	loaded bool
	closed bool
}

var _ Store = (*LevelStore)(nil)

func (s *LevelStore) key(parts ...[]byte) []byte {
	key := append([]byte{}, s.prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func deltaSeq(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// LoadLatestClock returns the clock of the last saved state.
func (s *LevelStore) LoadLatestClock(ctx context.Context) (vclock.Clock, error) {
	buf, err := s.db.db.Get(s.key(clockKey), nil)
	if err != nil {
		return nil, err
	}
	var clock vclock.Clock
	if err := codec.Decode(buf, &clock); err != nil {
		return nil, fmt.Errorf("decode clock: %w", err)
	}
	return clock, nil
}

// LoadState returns the last saved state.
func (s *LevelStore) LoadState(ctx context.Context) (*types.FullState, error) {
	buf, err := s.db.db.Get(s.key(stateKey), nil)
	if err != nil {
		return nil, err
	}
	var state types.FullState
	if err := codec.Decode(buf, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// LoadDeltas returns retained deltas in the order they were appended.
func (s *LevelStore) LoadDeltas(ctx context.Context) ([]types.DeltaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.db.db.NewIterator(util.BytesPrefix(s.key(deltasKey)), nil)
	defer it.Release()
	var rst []types.DeltaRecord
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var record types.DeltaRecord
		if err := codec.Decode(it.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		rst = append(rst, record)
		s.seq = binary.BigEndian.Uint64(it.Key()[len(it.Key())-8:]) + 1
	}
	s.loaded = true
	return rst, it.Error()
}

func (s *LevelStore) ensureSeq() error {
	if s.loaded {
		return nil
	}
	it := s.db.db.NewIterator(util.BytesPrefix(s.key(deltasKey)), nil)
	defer it.Release()
	if it.Last() {
		s.seq = binary.BigEndian.Uint64(it.Key()[len(it.Key())-8:]) + 1
	}
	s.loaded = true
	return it.Error()
}

// AppendDelta persists a delta and trims the oldest ones beyond the configured retention.
func (s *LevelStore) AppendDelta(ctx context.Context, record *types.DeltaRecord) error {
	buf, err := codec.Encode(record)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureSeq(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(s.key(deltasKey, deltaSeq(s.seq)), buf)
	if s.maxDeltas > 0 && s.seq >= uint64(s.maxDeltas) {
		batch.Delete(s.key(deltasKey, deltaSeq(s.seq-uint64(s.maxDeltas))))
	}
	if err := s.db.db.Write(batch, nil); err != nil {
		return fmt.Errorf("append delta: %w", err)
	}
	s.seq++
	return nil
}

// SaveState persists the snapshot and its clock atomically.
func (s *LevelStore) SaveState(ctx context.Context, state *types.FullState) error {
	buf, err := codec.Encode(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	clock, err := codec.Encode(state.Clock)
	if err != nil {
		return fmt.Errorf("encode clock: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(s.key(stateKey), buf)
	batch.Put(s.key(clockKey), clock)
	if err := s.db.db.Write(batch, nil); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Close releases the store. The database stays open.
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.db.release()
	return nil
}

// MemStore is a Store backed by its own in-memory database.
type MemStore struct {
	*LevelStore
	db *DB
}

// NewMemStore returns a store that is lost on Close.
func NewMemStore() *MemStore {
	db := OpenMemory()
	return &MemStore{LevelStore: db.Collaboration("mem"), db: db}
}

// Close closes the in-memory database.
func (s *MemStore) Close() error {
	if err := s.LevelStore.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
