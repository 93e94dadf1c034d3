// Package filestore keeps all holdings records in one JSON document that is
// rewritten atomically on every commit. It suits small single-user setups.
package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/storage/memory"
)

const defaultPath = "./state/holdings.json"

// document is the on-disk form.
type document struct {
	Version  int                     `json:"version"`
	Accounts []domain.AccountRecords `json:"accounts"`
}

// Store is a domain.Store persisted to a single JSON file.
type Store struct {
	l     *zap.Logger
	path  string
	mu    sync.RWMutex
	index *memory.Index
	// closed guards use after Close.
	closed bool
}

// Open loads path, creating its directory if needed. A missing file is an
// empty store.
func Open(l *zap.Logger, path string) (*Store, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}

	s := &Store{l: l, path: path, index: memory.NewIndex()}
	payload, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, errors.Wrap(err, "read holdings state")
	case len(payload) == 0:
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "decode holdings state")
	}
	for _, rec := range doc.Accounts {
		s.index.Apply(changeSetOf(rec))
	}
	l.Info("holdings state loaded", zap.String("path", path), zap.Int("accounts", len(doc.Accounts)))
	return s, nil
}

func changeSetOf(rec domain.AccountRecords) domain.ChangeSet {
	return domain.ChangeSet{
		Account:            rec.Account,
		Balances:           rec.Balances,
		LiquidityPositions: rec.LiquidityPositions,
		LendingPositions:   rec.LendingPositions,
		Lots:               rec.Lots,
		Disposals:          rec.Disposals,
		Pools:              rec.Pools,
		Markets:            rec.Markets,
		EventIDs:           rec.EventIDs,
	}
}

func dump(x *memory.Index) document {
	doc := document{Version: 1}
	for _, id := range x.Accounts() {
		doc.Accounts = append(doc.Accounts, x.Account(id))
	}
	return doc
}

// save writes the document atomically via a temp file.
func (s *Store) save(doc document) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode holdings state")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errors.Wrap(err, "write holdings state temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist holdings state")
	}
	return nil
}

// Commit rebuilds the index with the change set, persists it, and only then
// makes it visible.
func (s *Store) Commit(_ context.Context, c domain.ChangeSet) error {
	if c.Account == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "change set without account")
	}
	if c.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("holdings state store is closed")
	}

	next := memory.NewIndex()
	for _, rec := range dump(s.index).Accounts {
		next.Apply(changeSetOf(rec))
	}
	next.Apply(c)
	if err := s.save(dump(next)); err != nil {
		return err
	}
	s.index = next
	return nil
}

func (s *Store) read(fn func(x *memory.Index)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("holdings state store is closed")
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

// Close marks the store closed; every commit is already on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
