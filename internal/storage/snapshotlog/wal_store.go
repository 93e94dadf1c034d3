// Package snapshotlog archives portfolio snapshots in a local WAL, for setups
// without an object store.
package snapshotlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/holdings/internal/domain"
)

const (
	defaultSnapshotDir   = "./wal/snapshots"
	snapshotSegmentLimit = 1000
	snapshotMaxSegments  = 100
	snapshotKeyPrefix    = "snapshot_"
)

// Record is an archived snapshot with its WAL index.
type Record struct {
	Index    uint64                   `json:"index"`
	Snapshot domain.PortfolioSnapshot `json:"snapshot"`
}

// WALStore implements domain.SnapshotArchiver. Old segments rotate away, so
// it keeps recent history only.
type WALStore struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	records []Record
	keys    map[uint64]string
}

// NewWALStore opens the archive under dir and loads the surviving records.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultSnapshotDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "snapshot_",
		SegmentThreshold: snapshotSegmentLimit,
		MaxSegments:      snapshotMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init snapshot WAL")
	}

	s := &WALStore{wal: wal, keys: make(map[uint64]string)}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, snapshotKeyPrefix) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode snapshot %s", msg.Key)
		}
		s.add(msg.Key, rec)
	}
	return s, nil
}

func (s *WALStore) add(key string, rec Record) {
	s.records = append(s.records, rec)
	s.keys[rec.Index] = key
}

// Archive appends the snapshot and returns "<account>/<index>" as its key.
func (s *WALStore) Archive(_ context.Context, snapshot domain.PortfolioSnapshot) (string, error) {
	if snapshot.Account == "" {
		return "", errors.Wrap(domain.ErrInvalidEvent, "snapshot without account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return "", errors.New("snapshot archive is closed")
	}

	rec := Record{Index: s.wal.CurrentIndex() + 1, Snapshot: snapshot}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal snapshot")
	}
	key := snapshotKeyPrefix + snapshot.Account
	if err := s.wal.Write(rec.Index, key, payload); err != nil {
		return "", errors.Wrap(err, "write snapshot")
	}
	s.add(key, rec)
	return fmt.Sprintf("%s/%d", snapshot.Account, rec.Index), nil
}

// SnapshotsAfter returns snapshots of account (all accounts when empty)
// written after index.
func (s *WALStore) SnapshotsAfter(account string, index uint64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wal == nil {
		return nil, errors.New("snapshot archive is closed")
	}

	var out []Record
	for _, rec := range s.records {
		if rec.Index <= index {
			continue
		}
		if account != "" && rec.Snapshot.Account != account {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Fetch returns the snapshot archived under key.
func (s *WALStore) Fetch(key string) (domain.PortfolioSnapshot, error) {
	cut := strings.LastIndexByte(key, '/')
	if cut < 0 {
		return domain.PortfolioSnapshot{}, errors.Wrapf(domain.ErrNotFound, "bad snapshot key %q", key)
	}
	idx, err := strconv.ParseUint(key[cut+1:], 10, 64)
	if err != nil {
		return domain.PortfolioSnapshot{}, errors.Wrapf(domain.ErrNotFound, "bad snapshot key %q", key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wal == nil {
		return domain.PortfolioSnapshot{}, errors.New("snapshot archive is closed")
	}
	if s.keys[idx] != snapshotKeyPrefix+key[:cut] {
		return domain.PortfolioSnapshot{}, errors.Wrapf(domain.ErrNotFound, "snapshot %s", key)
	}
	for _, rec := range s.records {
		if rec.Index == idx {
			return rec.Snapshot, nil
		}
	}
	return domain.PortfolioSnapshot{}, errors.Wrapf(domain.ErrNotFound, "snapshot %s", key)
}

// Close closes the WAL.
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return nil
	}
	err := s.wal.Close()
	s.wal = nil
	return err
}

var _ domain.SnapshotArchiver = (*WALStore)(nil)
