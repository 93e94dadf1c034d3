// Package pricing supplies the market view used to value holdings.
package pricing

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Source returns the current market view.
type Source interface {
	Market(ctx context.Context) (domain.MarketData, error)
}

// Static always returns the same view.
type Static domain.MarketData

func (s Static) Market(context.Context) (domain.MarketData, error) {
	m := domain.MarketData(s)
	m.Prices = m.Prices.Clone()
	return m, nil
}

// FileSource reads a JSON encoded domain.MarketData file and re-reads it when
// the file changes on disk.
type FileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	cached  domain.MarketData
}

// NewFileSource creates a source over path. The file is read lazily.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Market(_ context.Context) (domain.MarketData, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return domain.MarketData{}, errors.Wrapf(err, "stat market file %s", f.path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.modTime.IsZero() && info.ModTime().Equal(f.modTime) {
		return copyMarket(f.cached), nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return domain.MarketData{}, errors.Wrapf(err, "read market file %s", f.path)
	}
	var m domain.MarketData
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.MarketData{}, errors.Wrapf(err, "decode market file %s", f.path)
	}
	prices := domain.PriceBook{}
	for id, p := range m.Prices {
		if p.IsNegative() {
			return domain.MarketData{}, errors.Wrapf(domain.ErrInvalidAmount, "negative price for %s", id)
		}
		prices.Set(id, p)
	}
	m.Prices = prices
	if m.AsOf.IsZero() {
		m.AsOf = info.ModTime().UTC()
	}
	f.cached, f.modTime = m, info.ModTime()
	return copyMarket(m), nil
}

func copyMarket(m domain.MarketData) domain.MarketData {
	out := m
	out.Prices = m.Prices.Clone()
	return out
}

// Publish copies the source's prices into the cache so other processes can
// value holdings without the file.
func Publish(ctx context.Context, src Source, cache domain.PriceCache) (int, error) {
	m, err := src.Market(ctx)
	if err != nil {
		return 0, err
	}
	if err := cache.Store(ctx, m.Prices); err != nil {
		return 0, errors.Wrap(err, "publish prices")
	}
	return len(m.Prices), nil
}
