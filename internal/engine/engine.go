// Package engine is the stateful boundary around the pure holdings model. It
// serializes writes per account, commits every applied event to the store and
// publishes immutable account states that readers load without locking.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/events"
	"github.com/vadiminshakov/holdings/internal/lending"
	"github.com/vadiminshakov/holdings/internal/portfolio"
	"github.com/vadiminshakov/holdings/internal/taxlots"
)

// Config holds the accounting parameters of the engine.
type Config struct {
	ReportingCurrency string
	DefaultMethod     domain.CostBasisMethod
	CostScale         int32
	TaxRate           domain.Money
	Risk              lending.Config
	// Parallelism bounds the accounts ingested concurrently by IngestBatch; 0 is unbounded.
	Parallelism int
}

// DefaultConfig is USD reporting, FIFO disposals and the default risk bands.
func DefaultConfig() Config {
	return Config{
		ReportingCurrency: "USD",
		DefaultMethod:     domain.MethodFIFO,
		CostScale:         domain.DefaultCostScale,
		TaxRate:           taxlots.DefaultTaxRate,
		Risk:              lending.DefaultConfig(),
	}
}

type account struct {
	mu    sync.Mutex
	state atomic.Pointer[AccountState]
}

// Engine applies events to accounts.
type Engine struct {
	l          *zap.Logger
	cfg        Config
	store      domain.Store
	locker     domain.Locker
	prices     domain.PriceCache
	archiver   domain.SnapshotArchiver
	notifier   *events.Broadcaster
	aggregator *portfolio.Aggregator
	risk       *lending.Engine
	bookOpts   []taxlots.Option
	now        func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithLocker serializes writers of an account across processes.
func WithLocker(locker domain.Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithPriceCache fills prices missing from the caller's market data.
func WithPriceCache(cache domain.PriceCache) Option {
	return func(e *Engine) { e.prices = cache }
}

// WithArchiver enables ArchiveSnapshot.
func WithArchiver(archiver domain.SnapshotArchiver) Option {
	return func(e *Engine) { e.archiver = archiver }
}

// WithNotifier publishes a notification after every applied event.
func WithNotifier(b *events.Broadcaster) Option {
	return func(e *Engine) { e.notifier = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the generator of lot and disposal ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.bookOpts = append(e.bookOpts, taxlots.WithIDGenerator(gen)) }
}

// New validates the configuration and builds an engine on top of store.
func New(l *zap.Logger, store domain.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires a store")
	}
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = domain.MethodFIFO
	}
	if !cfg.DefaultMethod.IsValid() {
		return nil, errors.Errorf("unknown default cost basis method %q", cfg.DefaultMethod)
	}
	if cfg.TaxRate.IsNegative() {
		return nil, errors.Errorf("tax rate must not be negative, got %s", cfg.TaxRate)
	}

	agg, err := portfolio.NewAggregator(cfg.ReportingCurrency)
	if err != nil {
		return nil, err
	}
	risk, err := lending.NewEngine(cfg.Risk)
	if err != nil {
		return nil, errors.Wrap(err, "risk config")
	}

	e := &Engine{
		l:          l,
		cfg:        cfg,
		store:      store,
		aggregator: agg,
		risk:       risk,
		bookOpts:   []taxlots.Option{taxlots.WithCostScale(cfg.CostScale)},
		now:        time.Now,
		accounts:   map[string]*account{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) account(id string) *account {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		a = &account{}
		e.accounts[id] = a
	}
	return a
}

// load returns the published state, reading it from the store on first use.
// Callers hold a.mu.
func (e *Engine) load(ctx context.Context, id string, a *account) (*AccountState, error) {
	if s := a.state.Load(); s != nil {
		return s, nil
	}
	rec, err := e.store.LoadAccount(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load account %s", id)
	}
	rec.Account = id
	s, err := restoreState(rec, e.bookOpts...)
	if err != nil {
		return nil, err
	}
	a.state.Store(s)
	return s, nil
}

// Load restores every account known to the store.
func (e *Engine) Load(ctx context.Context) error {
	ids, err := e.store.Accounts(ctx)
	if err != nil {
		return errors.Wrap(err, "list accounts")
	}
	for _, id := range ids {
		if _, err := e.State(ctx, id); err != nil {
			return err
		}
	}
	e.l.Info("accounts restored", zap.Int("accounts", len(ids)))
	return nil
}

// State returns the current immutable state of an account. Unknown accounts
// have an empty state.
func (e *Engine) State(ctx context.Context, accountID string) (*AccountState, error) {
	id := domain.NormalizeAccount(accountID)
	if id == "" {
		return nil, errors.Wrap(domain.ErrInvalidEvent, "account is required")
	}
	a := e.account(id)
	if s := a.state.Load(); s != nil {
		return s, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return e.load(ctx, id, a)
}

// Accounts lists known accounts, persisted or in memory.
func (e *Engine) Accounts(ctx context.Context) ([]string, error) {
	ids, err := e.store.Accounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	seen := map[string]struct{}{}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	e.mu.Lock()
	for id, a := range e.accounts {
		if a.state.Load() != nil {
			seen[id] = struct{}{}
		}
	}
	e.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Apply validates ev against the account state, commits the resulting change
// set and publishes the new state. On any error nothing changes.
func (e *Engine) Apply(ctx context.Context, ev domain.Event) (domain.ChangeSet, error) {
	if ev == nil {
		return domain.ChangeSet{}, errors.Wrap(domain.ErrInvalidEvent, "nil event")
	}
	meta := ev.Meta()
	id := domain.NormalizeAccount(meta.Account)
	if id == "" {
		return domain.ChangeSet{}, errors.Wrapf(domain.ErrInvalidEvent, "%s: account is required", ev.Kind())
	}
	if meta.At.IsZero() {
		return domain.ChangeSet{}, errors.Wrapf(domain.ErrInvalidEvent, "%s: event time is required", ev.Kind())
	}

	a := e.account(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.locker != nil {
		unlock, err := e.locker.Lock(ctx, id)
		if err != nil {
			return domain.ChangeSet{}, errors.Wrapf(err, "lock account %s", id)
		}
		defer unlock()
	}

	cur, err := e.load(ctx, id, a)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	if meta.ID != "" && cur.HasEvent(meta.ID) {
		return domain.ChangeSet{}, errors.Wrapf(domain.ErrInconsistentEventOrder, "event %s already applied to %s", meta.ID, id)
	}

	t := &transition{
		next:          cur.clone(),
		changes:       domain.ChangeSet{Account: id},
		defaultMethod: e.cfg.DefaultMethod,
		bookOpts:      e.bookOpts,
	}
	if err := t.apply(ev); err != nil {
		e.l.Debug("event rejected", zap.String("account", id), zap.String("kind", string(ev.Kind())),
			zap.String("event_id", meta.ID), zap.Error(err))
		return domain.ChangeSet{}, err
	}
	if meta.ID != "" {
		t.next.eventIDs[meta.ID] = struct{}{}
		t.changes.EventIDs = append(t.changes.EventIDs, meta.ID)
	}

	if err := e.store.Commit(ctx, t.changes); err != nil {
		return domain.ChangeSet{}, errors.Wrapf(err, "commit %s for %s", ev.Kind(), id)
	}

	t.next.version = cur.version + 1
	a.state.Store(t.next)

	if e.notifier != nil {
		e.notifier.Publish(events.AccountChanged{
			Account: id,
			Version: t.next.version,
			Kind:    string(ev.Kind()),
			At:      meta.At.UTC(),
		})
	}
	return t.changes, nil
}

// IngestBatch applies events grouped by account. Each account's events are
// applied in input order; different accounts run in parallel. The first error
// stops the account it occurred in and cancels the others.
func (e *Engine) IngestBatch(ctx context.Context, evs []domain.Event) error {
	order := []string{}
	byAccount := map[string][]domain.Event{}
	for _, ev := range evs {
		if ev == nil {
			return errors.Wrap(domain.ErrInvalidEvent, "nil event in batch")
		}
		id := domain.NormalizeAccount(ev.Meta().Account)
		if _, ok := byAccount[id]; !ok {
			order = append(order, id)
		}
		byAccount[id] = append(byAccount[id], ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for _, id := range order {
		batch := byAccount[id]
		g.Go(func() error {
			for i, ev := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := e.Apply(gctx, ev); err != nil {
					return errors.Wrapf(err, "account %s event %d (%s)", id, i, ev.Kind())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.l.Info("batch ingested", zap.Int("events", len(evs)), zap.Int("accounts", len(order)))
	return nil
}

// marketView merges the caller's market data with the cached pool states and
// prices known to the engine.
func (e *Engine) marketView(ctx context.Context, s *AccountState, market domain.MarketData) domain.MarketData {
	view := domain.MarketData{
		Currency: market.Currency,
		Prices:   market.Prices.Clone(),
		Pools:    map[string]domain.PoolState{},
		AsOf:     market.AsOf,
	}
	if view.AsOf.IsZero() {
		view.AsOf = e.now()
	}
	for id, ps := range s.poolStates {
		view.Pools[id] = ps
	}
	// Caller states replace stored ones unless they are older.
	for id, ps := range market.Pools {
		if ps.ObservedAt.IsZero() {
			ps.ObservedAt = view.AsOf
		}
		if stored, ok := view.Pools[id]; ok && ps.ObservedAt.Before(stored.ObservedAt) {
			continue
		}
		view.Pools[id] = ps
	}

	if e.prices == nil {
		return view
	}
	var missing []string
	for _, asset := range heldAssets(s) {
		if _, _, ok := view.Prices.Lookup(asset); !ok {
			missing = append(missing, asset.ID)
			if under, ok := asset.PriceFallback(); ok {
				missing = append(missing, under)
			}
		}
	}
	if len(missing) == 0 {
		return view
	}
	cached, err := e.prices.Prices(ctx, missing)
	if err != nil {
		// Prices from the cache are best effort; a miss is flagged on the snapshot.
		e.l.Warn("price cache lookup failed", zap.Strings("assets", missing), zap.Error(err))
		return view
	}
	for id, p := range cached {
		if _, ok := view.Prices[id]; !ok {
			view.Prices[id] = p
		}
	}
	return view
}

func heldAssets(s *AccountState) []domain.Asset {
	seen := map[string]domain.Asset{}
	for _, b := range s.balances {
		seen[b.Asset.ID] = b.Asset
	}
	for _, p := range s.liquidity {
		if pool, ok := s.pools[p.PoolID]; ok && p.IsOpen() {
			seen[pool.Token0.ID] = pool.Token0
			seen[pool.Token1.ID] = pool.Token1
		}
	}
	for _, p := range s.lending {
		if m, ok := s.markets[p.MarketID]; ok && !p.Closed {
			seen[m.Asset.ID] = m.Asset
		}
	}
	for id, b := range s.books {
		seen[id] = b.Asset()
	}
	out := make([]domain.Asset, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) aggregatorFor(currency string) (*portfolio.Aggregator, error) {
	if currency == "" || currency == e.aggregator.Currency() {
		return e.aggregator, nil
	}
	return portfolio.NewAggregator(currency)
}

// Snapshot values the account at the given market data.
func (e *Engine) Snapshot(ctx context.Context, accountID string, market domain.MarketData) (domain.PortfolioSnapshot, error) {
	s, err := e.State(ctx, accountID)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	agg, err := e.aggregatorFor(market.Currency)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	view := e.marketView(ctx, s, market)
	return agg.BuildSnapshot(s.Holdings(), view.AsOf, view)
}

// ArchiveSnapshot stores the snapshot as history and returns its key.
func (e *Engine) ArchiveSnapshot(ctx context.Context, snapshot domain.PortfolioSnapshot) (string, error) {
	if e.archiver == nil {
		return "", errors.New("snapshot archive is not configured")
	}
	key, err := e.archiver.Archive(ctx, snapshot)
	if err != nil {
		return "", errors.Wrapf(err, "archive snapshot of %s", snapshot.Account)
	}
	e.l.Info("snapshot archived", zap.String("account", snapshot.Account), zap.String("key", key))
	return key, nil
}

// AnnualSummary is the realized result of one calendar year.
func (e *Engine) AnnualSummary(ctx context.Context, accountID string, year int) (taxlots.AnnualTaxSummary, error) {
	s, err := e.State(ctx, accountID)
	if err != nil {
		return taxlots.AnnualTaxSummary{}, err
	}
	return taxlots.AnnualSummary(s.account, s.Disposals(""), year, e.cfg.TaxRate, e.now()), nil
}

// HealthFactor assesses the account's lending positions.
func (e *Engine) HealthFactor(ctx context.Context, accountID string, prices domain.PriceBook) (lending.Report, error) {
	s, err := e.State(ctx, accountID)
	if err != nil {
		return lending.Report{}, err
	}
	view := e.marketView(ctx, s, domain.MarketData{Prices: prices})
	return e.risk.Assess(s.account, s.LendingPositions(), s.markets, view.Prices)
}

// Disposals returns the disposal records of an account, optionally for one asset.
func (e *Engine) Disposals(ctx context.Context, accountID, assetID string) ([]domain.DisposalRecord, error) {
	s, err := e.State(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.Disposals(assetID), nil
}

// Notifier returns the broadcaster, nil when none is configured.
func (e *Engine) Notifier() *events.Broadcaster { return e.notifier }

// Currency is the reporting currency code.
func (e *Engine) Currency() string { return e.aggregator.Currency() }
