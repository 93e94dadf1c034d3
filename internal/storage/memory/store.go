package memory

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Store is a domain.Store that lives only as long as the process.
type Store struct {
	mu     sync.RWMutex
	index  *Index
	closed bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{index: NewIndex()}
}

func (s *Store) check() error {
	if s.closed {
		return errors.New("memory store is closed")
	}
	return nil
}

// Commit applies the change set.
func (s *Store) Commit(_ context.Context, c domain.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if c.Account == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "change set without account")
	}
	if !c.IsEmpty() {
		s.index.Apply(c)
	}
	return nil
}

// LoadAccount returns all records of an account.
func (s *Store) LoadAccount(_ context.Context, account string) (domain.AccountRecords, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return domain.AccountRecords{}, err
	}
	return s.index.Account(account), nil
}

// Accounts lists accounts with at least one committed change.
func (s *Store) Accounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.Accounts(), nil
}

func (s *Store) ListOpenLiquidityPositions(_ context.Context, account string) ([]domain.LiquidityPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.OpenLiquidity(account, false), nil
}

func (s *Store) ListOpenLendingPositions(_ context.Context, account string) ([]domain.LendingPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.OpenLending(account, false), nil
}

func (s *Store) ListLots(_ context.Context, account, assetID string) ([]domain.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.Lots(account, assetID), nil
}

func (s *Store) ListDisposals(_ context.Context, account, assetID string) ([]domain.DisposalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.Disposals(account, assetID), nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
