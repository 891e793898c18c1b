package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/histmanager/pkg/types"
)

const (
	historyPrefix byte = 'h'
	trendPrefix   byte = 't'
	catalogPrefix byte = 'c'

	// blockSeconds is the span of one history block
	blockSeconds int64 = 3600
	daySeconds   int64 = 86400
)

// Config holds storage configuration
type Config struct {
	Path string
	// RetentionDays bounds raw history; 0 keeps it forever
	RetentionDays int
	// TrendRetentionDays bounds trend rows; 0 keeps them forever
	TrendRetentionDays int
	CompressionLevel   int
	EnableWAL          bool
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:               "./data",
		RetentionDays:      14,
		TrendRetentionDays: 365,
		CompressionLevel:   3,
		EnableWAL:          true,
	}
}

// DB is the embedded badger database holding both tiers and the item catalog
type DB struct {
	cfg     *Config
	db      *badger.DB
	codec   *ColumnCodec
	wal     *WAL
	history *HistoryStore
	trends  *TrendStore
	catalog *Catalog
	logger  *slog.Logger

	hookMu sync.RWMutex
	hooks  []func(*types.WriteRequest)

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the database under cfg.Path and replays any WAL
// left behind by an unclean shutdown.
func Open(cfg *Config, logger *slog.Logger) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	codec, err := NewColumnCodec(cfg.CompressionLevel)
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("failed to create column codec: %w", err)
	}

	catalog, err := loadCatalog(bdb)
	if err != nil {
		codec.Close()
		bdb.Close()
		return nil, fmt.Errorf("failed to load item catalog: %w", err)
	}

	db := &DB{
		cfg:     cfg,
		db:      bdb,
		codec:   codec,
		catalog: catalog,
		logger:  logger,
		history: &HistoryStore{
			db:        bdb,
			codec:     codec,
			retention: int64(cfg.RetentionDays) * daySeconds,
		},
		trends: &TrendStore{
			db:        bdb,
			retention: int64(cfg.TrendRetentionDays) * daySeconds,
		},
	}

	if cfg.EnableWAL {
		replayed := 0
		err := ReplayWAL(cfg.Path, func(req *types.WriteRequest) error {
			replayed++
			return db.apply(context.Background(), req)
		})
		if err != nil {
			db.closeStores()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if replayed > 0 {
			logger.Info("replayed write-ahead log", "entries", replayed)
		}

		db.wal, err = NewWAL(cfg.Path)
		if err != nil {
			db.closeStores()
			return nil, err
		}
	}

	return db, nil
}

// History returns the raw sample tier
func (db *DB) History() *HistoryStore { return db.history }

// Trends returns the hourly trend tier
func (db *DB) Trends() *TrendStore { return db.trends }

// Catalog returns the item catalog
func (db *DB) Catalog() *Catalog { return db.catalog }

// OnWrite registers fn to run after every successful write
func (db *DB) OnWrite(fn func(*types.WriteRequest)) {
	db.hookMu.Lock()
	defer db.hookMu.Unlock()
	db.hooks = append(db.hooks, fn)
}

// Write checks req against the catalog, logs it to the WAL and stores it.
// Items named by samples or trend rows are registered on the fly.
func (db *DB) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := db.check(req); err != nil {
		return err
	}

	if db.wal != nil {
		if err := db.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	if err := db.apply(ctx, req); err != nil {
		return err
	}

	db.hookMu.RLock()
	defer db.hookMu.RUnlock()
	for _, fn := range db.hooks {
		fn(req)
	}
	return nil
}

// check rejects samples whose type disagrees with their item's value type
func (db *DB) check(req *types.WriteRequest) error {
	declared := make(map[uint64]types.ValueType, len(req.Items))
	for _, item := range req.Items {
		if !item.ValueType.Valid() {
			return fmt.Errorf("item %d: unknown value type %d", item.ItemID, item.ValueType)
		}
		declared[item.ItemID] = item.ValueType
	}
	typeOf := func(id uint64) (types.ValueType, bool) {
		if vt, ok := declared[id]; ok {
			return vt, true
		}
		item, ok := db.catalog.Get(id)
		return item.ValueType, ok
	}

	for _, s := range req.Samples {
		if !s.Type.Valid() {
			return fmt.Errorf("item %d: unknown value type %d", s.ItemID, s.Type)
		}
		if vt, ok := typeOf(s.ItemID); ok && vt != s.Type {
			return fmt.Errorf("item %d is %s, got a %s sample", s.ItemID, vt, s.Type)
		}
	}
	for _, r := range req.Trends {
		if !r.Type.Numeric() {
			return fmt.Errorf("item %d: trends hold numeric items only, got %s", r.ItemID, r.Type)
		}
		if vt, ok := typeOf(r.ItemID); ok && vt != r.Type {
			return fmt.Errorf("item %d is %s, got a %s trend row", r.ItemID, vt, r.Type)
		}
	}
	return nil
}

func (db *DB) apply(ctx context.Context, req *types.WriteRequest) error {
	items := append([]types.Item(nil), req.Items...)
	for _, s := range req.Samples {
		items = append(items, types.Item{ItemID: s.ItemID, ValueType: s.Type})
	}
	for _, r := range req.Trends {
		items = append(items, types.Item{ItemID: r.ItemID, ValueType: r.Type})
	}
	if err := db.catalog.Register(items...); err != nil {
		return fmt.Errorf("failed to register items: %w", err)
	}

	if err := db.history.Write(ctx, req.Samples); err != nil {
		return err
	}
	return db.trends.Write(ctx, req.Trends)
}

// Close flushes and closes the database. A clean close discards the WAL
// since every logged write has been applied.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if db.wal != nil {
			if err := db.wal.Remove(); err != nil {
				db.logger.Warn("failed to discard WAL", "error", err)
			}
		}
		db.closeErr = db.closeStores()
	})
	return db.closeErr
}

func (db *DB) closeStores() error {
	db.codec.Close()
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// itemPrefix is "<tier>/<itemid>/" with a big-endian item id
func itemPrefix(tier byte, itemid uint64) []byte {
	key := make([]byte, 0, 19)
	key = append(key, tier, '/')
	key = binary.BigEndian.AppendUint64(key, itemid)
	return append(key, '/')
}

// clockKey appends the clock with its sign bit flipped so keys sort by clock
func clockKey(tier byte, itemid uint64, clock int64) []byte {
	return binary.BigEndian.AppendUint64(itemPrefix(tier, itemid), uint64(clock)^(1<<63))
}

func keyClock(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

// expiresAt returns the badger expiry for data ending at end, 0 for none
func expiresAt(end, retention int64) uint64 {
	if retention <= 0 {
		return 0
	}
	at := end + retention
	if at <= 0 {
		return 1
	}
	return uint64(at)
}
