// Package walstore persists committed change sets in a write-ahead log and
// replays them into an in-memory index on open.
package walstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/storage/memory"
)

const (
	defaultDir          = "./wal/holdings"
	defaultSegmentLimit = 1000
	// Segments are never rotated away: the journal is the only copy of the data.
	defaultMaxSegments = 1 << 20
	changeSetKeyPrefix = "changeset_"
)

// Config locates the journal.
type Config struct {
	Dir              string
	SegmentThreshold int
	MaxSegments      int
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Store is a domain.Store backed by a gowal journal.
type Store struct {
	l     *zap.Logger
	wal   *gowal.Wal
	mu    sync.RWMutex
	index *memory.Index
}

// Open opens or creates the journal under cfg.Dir and replays it.
func Open(l *zap.Logger, cfg Config) (*Store, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.SegmentThreshold <= 0 {
		cfg.SegmentThreshold = defaultSegmentLimit
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = defaultMaxSegments
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              cfg.Dir,
		Prefix:           "holdings_",
		SegmentThreshold: cfg.SegmentThreshold,
		MaxSegments:      cfg.MaxSegments,
		IsInSyncDiskMode: cfg.SyncWrites,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init holdings WAL")
	}

	s := &Store{l: l, wal: wal, index: memory.NewIndex()}
	replayed := 0
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, changeSetKeyPrefix) {
			continue
		}
		var c domain.ChangeSet
		if err := json.Unmarshal(msg.Value, &c); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode change set %s", msg.Key)
		}
		s.index.Apply(c)
		replayed++
	}
	l.Info("holdings journal replayed", zap.String("dir", cfg.Dir), zap.Int("change_sets", replayed),
		zap.Uint64("index", wal.CurrentIndex()))
	return s, nil
}

// Commit appends the change set to the journal, then indexes it. A failed
// write leaves the index untouched.
func (s *Store) Commit(_ context.Context, c domain.ChangeSet) error {
	if c.Account == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "change set without account")
	}
	if c.IsEmpty() {
		return nil
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal change set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return errors.New("holdings journal is closed")
	}

	next := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(next, changeSetKeyPrefix+c.Account, payload); err != nil {
		return errors.Wrapf(err, "write change set %d", next)
	}
	s.index.Apply(c)
	return nil
}

func (s *Store) read(fn func(x *memory.Index)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wal == nil {
		return errors.New("holdings journal is closed")
	}
	fn(s.index)
	return nil
}

func (s *Store) LoadAccount(_ context.Context, account string) (domain.AccountRecords, error) {
	var rec domain.AccountRecords
	err := s.read(func(x *memory.Index) { rec = x.Account(account) })
	return rec, err
}

func (s *Store) Accounts(_ context.Context) ([]string, error) {
	var out []string
	err := s.read(func(x *memory.Index) { out = x.Accounts() })
	return out, err
}

func (s *Store) ListOpenLiquidityPositions(_ context.Context, account string) ([]domain.LiquidityPosition, error) {
	var out []domain.LiquidityPosition
	err := s.read(func(x *memory.Index) { out = x.OpenLiquidity(account, false) })
	return out, err
}

func (s *Store) ListOpenLendingPositions(_ context.Context, account string) ([]domain.LendingPosition, error) {
	var out []domain.LendingPosition
	err := s.read(func(x *memory.Index) { out = x.OpenLending(account, false) })
	return out, err
}

func (s *Store) ListLots(_ context.Context, account, assetID string) ([]domain.TaxLot, error) {
	var out []domain.TaxLot
	err := s.read(func(x *memory.Index) { out = x.Lots(account, assetID) })
	return out, err
}

func (s *Store) ListDisposals(_ context.Context, account, assetID string) ([]domain.DisposalRecord, error) {
	var out []domain.DisposalRecord
	err := s.read(func(x *memory.Index) { out = x.Disposals(account, assetID) })
	return out, err
}

// CurrentIndex returns the latest journal index.
func (s *Store) CurrentIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wal == nil {
		return 0
	}
	return s.wal.CurrentIndex()
}

// Close closes the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return nil
	}
	err := s.wal.Close()
	s.wal = nil
	return err
}
