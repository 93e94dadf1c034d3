// Command holdings maintains crypto portfolio holdings and tax lots from a
// stream of observation events, and reports valuations, tax summaries and
// lending health.
//
// Usage:
//
//	holdings --config holdings.yaml --events events.jsonl --account 0xabc...
//	holdings --config holdings.yaml --serve
//
// Optional environment variables (also read from .env):
//
//	HOLDINGS_STORAGE_BACKEND, HOLDINGS_POSTGRES_DSN, HOLDINGS_REDIS_ADDR,
//	HOLDINGS_S3_BUCKET, HOLDINGS_S3_REGION and the other HOLDINGS_* keys
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/config"
	s3blob "github.com/vadiminshakov/holdings/internal/blob/s3"
	"github.com/vadiminshakov/holdings/internal/cache/redis"
	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/engine"
	"github.com/vadiminshakov/holdings/internal/events"
	"github.com/vadiminshakov/holdings/internal/lending"
	"github.com/vadiminshakov/holdings/internal/pricing"
	"github.com/vadiminshakov/holdings/internal/storage/filestore"
	"github.com/vadiminshakov/holdings/internal/storage/memory"
	"github.com/vadiminshakov/holdings/internal/storage/postgres"
	"github.com/vadiminshakov/holdings/internal/storage/snapshotlog"
	"github.com/vadiminshakov/holdings/internal/storage/walstore"
	"github.com/vadiminshakov/holdings/internal/taxlots"
	"github.com/vadiminshakov/holdings/internal/web"
	"github.com/vadiminshakov/holdings/pkg/retrier"
)

const maxEventLine = 4 << 20

func main() {
	eventsPath := flag.String("events", "", "path to a JSON lines file of event envelopes to ingest")
	account := flag.String("account", "", "print the snapshot and annual summary of this account")
	year := flag.Int("year", 0, "tax year for the summary, defaults to the current year")
	marketPath := flag.String("market", "", "JSON market data file, overrides market_file")
	archive := flag.Bool("archive", false, "archive the printed snapshot")
	serve := flag.Bool("serve", false, "serve the HTTP read API")

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}
	if *marketPath != "" {
		cfg.MarketFile = *marketPath
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, options{
		eventsPath: *eventsPath,
		account:    *account,
		year:       *year,
		archive:    *archive,
		serve:      *serve,
	}); err != nil {
		logger.Fatal("holdings failed", zap.Error(err))
	}
}

type options struct {
	eventsPath string
	account    string
	year       int
	archive    bool
	serve      bool
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, l *zap.Logger, cfg config.Config, opts options) error {
	connect := retrier.New(retrier.WithInitialInterval(500*time.Millisecond), retrier.WithMaxRetries(4))

	store, err := openStore(ctx, l, cfg, connect)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Warn("close store", zap.Error(err))
		}
	}()

	engineOpts := []engine.Option{engine.WithNotifier(events.NewBroadcaster(256))}

	var cache domain.PriceCache
	if cfg.Redis.Addr != "" {
		rc, err := retrier.DoWithData(connect, ctx, func(ctx context.Context) (*redis.Client, error) {
			return redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				TLSEnabled: cfg.Redis.TLS,
				KeyPrefix:  cfg.Redis.KeyPrefix,
			})
		})
		if err != nil {
			return errors.Wrap(err, "connect to redis")
		}
		defer rc.Close()
		cache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL)
		engineOpts = append(engineOpts, engine.WithPriceCache(cache), engine.WithLocker(redis.NewLocker(rc, cfg.Redis.LockTTL)))
		l.Info("redis price cache and account lock enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Archive.Bucket != "" {
		archiver, err := s3blob.New(ctx, l, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithArchiver(archiver))
	} else if cfg.Archive.LocalDir != "" {
		archiver, err := snapshotlog.NewWALStore(cfg.Archive.LocalDir)
		if err != nil {
			return err
		}
		defer archiver.Close()
		engineOpts = append(engineOpts, engine.WithArchiver(archiver))
	}

	e, err := engine.New(l, store, engineConfig(cfg), engineOpts...)
	if err != nil {
		return err
	}
	if err := e.Load(ctx); err != nil {
		return err
	}

	var market pricing.Source = pricing.Static{Currency: cfg.ReportingCurrency}
	if cfg.MarketFile != "" {
		market = pricing.NewFileSource(cfg.MarketFile)
		if cache != nil {
			n, err := pricing.Publish(ctx, market, cache)
			if err != nil {
				return err
			}
			l.Info("prices published to cache", zap.Int("prices", n))
		}
	}

	if opts.eventsPath != "" {
		if err := ingestFile(ctx, l, e, opts.eventsPath); err != nil {
			return err
		}
	}

	if opts.account != "" {
		if err := report(ctx, e, market, opts, os.Stdout); err != nil {
			return err
		}
	}

	if opts.serve {
		return web.NewServer(l, cfg.HTTPAddr, e, market).Start(ctx)
	}
	return nil
}

func openStore(ctx context.Context, l *zap.Logger, cfg config.Config, connect *retrier.Retrier) (domain.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		l.Warn("memory storage: state is lost on exit")
		return memory.NewStore(), nil
	case config.BackendFile:
		s, err := filestore.Open(l, cfg.Storage.FilePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := retrier.DoWithData(connect, ctx, func(ctx context.Context) (*postgres.Store, error) {
			return postgres.Open(ctx, l, postgres.ClientConfig{
				DSN:      cfg.Storage.Postgres.DSN,
				MaxConns: cfg.Storage.Postgres.MaxConns,
				MinConns: cfg.Storage.Postgres.MinConns,
			})
		})
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		return s, nil
	default:
		s, err := walstore.Open(l, walstore.Config{Dir: cfg.Storage.WALDir, SyncWrites: cfg.Storage.SyncWrites})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		ReportingCurrency: cfg.ReportingCurrency,
		DefaultMethod:     cfg.DefaultMethod,
		CostScale:         cfg.CostScale,
		TaxRate:           domain.NewMoney(cfg.TaxRate),
		Parallelism:       cfg.Parallelism,
		Risk: lending.Config{
			LiquidatableBelow: domain.NewMoney(cfg.LiquidatableBelow),
			AtRiskBelow:       domain.NewMoney(cfg.AtRiskBelow),
			RatioScale:        cfg.RatioScale,
		},
	}
}

// readEvents decodes one event envelope per non-empty line.
func readEvents(r io.Reader) ([]domain.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var evs []domain.Event
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := domain.DecodeEvent(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		evs = append(evs, ev)
	}
	return evs, errors.Wrap(scanner.Err(), "read events")
}

func ingestFile(ctx context.Context, l *zap.Logger, e *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open events file")
	}
	defer f.Close()

	evs, err := readEvents(f)
	if err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if err := e.IngestBatch(ctx, evs); err != nil {
		return errors.Wrapf(err, "ingest %s", path)
	}
	l.Info("events ingested", zap.String("file", path), zap.Int("events", len(evs)))
	return nil
}

type accountReport struct {
	Snapshot   domain.PortfolioSnapshot `json:"snapshot"`
	ArchiveKey string                   `json:"archive_key,omitempty"`
	Tax        taxlots.AnnualTaxSummary `json:"tax_summary"`
}

func report(ctx context.Context, e *engine.Engine, market pricing.Source, opts options, w io.Writer) error {
	m, err := market.Market(ctx)
	if err != nil {
		return err
	}
	if m.AsOf.IsZero() {
		m.AsOf = time.Now().UTC()
	}
	snap, err := e.Snapshot(ctx, opts.account, m)
	if err != nil {
		return err
	}
	out := accountReport{Snapshot: snap}

	if opts.archive {
		if out.ArchiveKey, err = e.ArchiveSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	year := opts.year
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	if out.Tax, err = e.AnnualSummary(ctx, opts.account, year); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
