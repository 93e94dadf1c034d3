package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/holdings/internal/domain"
)

const (
	BackendWAL      = "wal"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendFile     = "file"
)

// Config is the validated runtime configuration.
type Config struct {
	ReportingCurrency string
	DefaultMethod     domain.CostBasisMethod
	CostScale         int32
	RatioScale        int32
	LiquidatableBelow decimal.Decimal
	AtRiskBelow       decimal.Decimal
	TaxRate           decimal.Decimal
	Parallelism       int
	LogLevel          string
	HTTPAddr          string
	// MarketFile is a JSON market view used for valuation; optional.
	MarketFile string
	Storage    StorageConfig
	Redis      RedisConfig
	Archive    ArchiveConfig
}

type StorageConfig struct {
	Backend    string
	WALDir     string
	SyncWrites bool
	// FilePath is the JSON document of the file backend.
	FilePath string
	Postgres PostgresConfig
}

type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// RedisConfig enables the shared price cache and account lock when Addr is set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TLS       bool
	LockTTL   time.Duration
	PriceTTL  time.Duration
}

// ArchiveConfig enables snapshot archiving to S3 when Bucket is set, or to a
// local WAL when only LocalDir is set.
type ArchiveConfig struct {
	LocalDir       string
	Bucket         string
	Region         string
	Endpoint       string
	Prefix         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

// ConfigTmp is the YAML shape; decimals are strings.
type ConfigTmp struct {
	ReportingCurrency string `yaml:"reporting_currency"`
	DefaultTaxMethod  string `yaml:"default_tax_method"`
	CostScale         *int32 `yaml:"cost_scale,omitempty"`
	RatioScale        *int32 `yaml:"ratio_scale,omitempty"`
	LiquidatableBelow string `yaml:"liquidatable_below,omitempty"`
	AtRiskBelow       string `yaml:"at_risk_below,omitempty"`
	TaxRate           string `yaml:"estimated_tax_rate,omitempty"`
	Parallelism       int    `yaml:"parallelism,omitempty"`
	LogLevel          string `yaml:"log_level,omitempty"`
	HTTPAddr          string `yaml:"http_addr,omitempty"`
	MarketFile        string `yaml:"market_file,omitempty"`
	Storage           struct {
		Backend    string `yaml:"backend"`
		WALDir     string `yaml:"wal_dir,omitempty"`
		SyncWrites bool   `yaml:"sync_writes,omitempty"`
		FilePath   string `yaml:"file_path,omitempty"`
		Postgres   struct {
			DSN      string `yaml:"dsn,omitempty"`
			MaxConns int    `yaml:"max_conns,omitempty"`
			MinConns int    `yaml:"min_conns,omitempty"`
		} `yaml:"postgres,omitempty"`
	} `yaml:"storage"`
	Redis struct {
		Addr      string        `yaml:"addr,omitempty"`
		Password  string        `yaml:"password,omitempty"`
		DB        int           `yaml:"db,omitempty"`
		KeyPrefix string        `yaml:"key_prefix,omitempty"`
		TLS       bool          `yaml:"tls,omitempty"`
		LockTTL   time.Duration `yaml:"lock_ttl,omitempty"`
		PriceTTL  time.Duration `yaml:"price_ttl,omitempty"`
	} `yaml:"redis,omitempty"`
	Archive struct {
		LocalDir       string `yaml:"local_dir,omitempty"`
		Bucket         string `yaml:"bucket,omitempty"`
		Region         string `yaml:"region,omitempty"`
		Endpoint       string `yaml:"endpoint,omitempty"`
		Prefix         string `yaml:"prefix,omitempty"`
		AccessKey      string `yaml:"access_key,omitempty"`
		SecretKey      string `yaml:"secret_key,omitempty"`
		UseSSL         bool   `yaml:"use_ssl,omitempty"`
		ForcePathStyle bool   `yaml:"force_path_style,omitempty"`
	} `yaml:"archive,omitempty"`
}

// Defaults is a USD, FIFO setup journaled to ./wal/holdings.
func Defaults() ConfigTmp {
	var c ConfigTmp
	c.ReportingCurrency = "USD"
	c.DefaultTaxMethod = string(domain.MethodFIFO)
	c.LiquidatableBelow = "1"
	c.AtRiskBelow = "1.1"
	c.TaxRate = "0.21"
	c.LogLevel = "info"
	c.HTTPAddr = ":8080"
	c.Storage.Backend = BackendWAL
	c.Storage.WALDir = "./wal/holdings"
	c.Storage.FilePath = "./state/holdings.json"
	c.Redis.LockTTL = 30 * time.Second
	c.Redis.PriceTTL = 5 * time.Minute
	c.Archive.Prefix = "snapshots"
	return c
}

// Get reads the --config flag and loads it; without the flag the defaults
// and environment apply.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()
	return Load(*path)
}

// Load reads the YAML file at path (when not empty) over the defaults, loads
// .env if present, applies HOLDINGS_* overrides and validates.
func Load(path string) (Config, error) {
	tmp := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &tmp); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&tmp)

	return tmp.parse()
}

func (c ConfigTmp) parse() (Config, error) {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(c.ReportingCurrency)))
	if cur == nil {
		return Config{}, errors.Errorf("incorrect 'reporting_currency' param in yaml config: %q", c.ReportingCurrency)
	}
	method, err := domain.ParseCostBasisMethod(c.DefaultTaxMethod)
	if err != nil {
		return Config{}, errors.Wrap(err, "incorrect 'default_tax_method' param in yaml config")
	}

	out := Config{
		ReportingCurrency: cur.Code,
		DefaultMethod:     method,
		CostScale:         domain.DefaultCostScale,
		RatioScale:        domain.DefaultRatioScale,
		Parallelism:       c.Parallelism,
		LogLevel:          strings.ToLower(c.LogLevel),
		HTTPAddr:          c.HTTPAddr,
		MarketFile:        c.MarketFile,
		Storage: StorageConfig{
			Backend:    strings.ToLower(c.Storage.Backend),
			WALDir:     c.Storage.WALDir,
			SyncWrites: c.Storage.SyncWrites,
			FilePath:   c.Storage.FilePath,
			Postgres: PostgresConfig{
				DSN:      c.Storage.Postgres.DSN,
				MaxConns: c.Storage.Postgres.MaxConns,
				MinConns: c.Storage.Postgres.MinConns,
			},
		},
		Redis: RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
			TLS:       c.Redis.TLS,
			LockTTL:   c.Redis.LockTTL,
			PriceTTL:  c.Redis.PriceTTL,
		},
		Archive: ArchiveConfig{
			LocalDir:       c.Archive.LocalDir,
			Bucket:         c.Archive.Bucket,
			Region:         c.Archive.Region,
			Endpoint:       c.Archive.Endpoint,
			Prefix:         c.Archive.Prefix,
			AccessKey:      c.Archive.AccessKey,
			SecretKey:      c.Archive.SecretKey,
			UseSSL:         c.Archive.UseSSL,
			ForcePathStyle: c.Archive.ForcePathStyle,
		},
	}

	if c.CostScale != nil {
		out.CostScale = *c.CostScale
	}
	if c.RatioScale != nil {
		out.RatioScale = *c.RatioScale
	}
	if out.CostScale < 0 || out.RatioScale < 0 {
		return Config{}, errors.New("'cost_scale' and 'ratio_scale' must not be negative")
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"liquidatable_below", c.LiquidatableBelow, &out.LiquidatableBelow},
		{"at_risk_below", c.AtRiskBelow, &out.AtRiskBelow},
		{"estimated_tax_rate", c.TaxRate, &out.TaxRate},
	} {
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect '%s' param in yaml config (must be a decimal)", d.name)
		}
		*d.dst = v
	}
	if !out.LiquidatableBelow.IsPositive() || out.AtRiskBelow.LessThan(out.LiquidatableBelow) {
		return Config{}, errors.Errorf("risk bands must satisfy 0 < liquidatable_below (%s) <= at_risk_below (%s)",
			out.LiquidatableBelow, out.AtRiskBelow)
	}
	if out.TaxRate.IsNegative() || out.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Config{}, errors.Errorf("'estimated_tax_rate' must be within [0, 1], got %s", out.TaxRate)
	}
	if out.Parallelism < 0 {
		return Config{}, errors.New("'parallelism' must not be negative")
	}

	switch out.Storage.Backend {
	case BackendWAL:
		if out.Storage.WALDir == "" {
			return Config{}, errors.New("'storage.wal_dir' is required for the wal backend")
		}
	case BackendPostgres:
		if out.Storage.Postgres.DSN == "" {
			return Config{}, errors.New("'storage.postgres.dsn' is required for the postgres backend")
		}
	case BackendFile:
		if out.Storage.FilePath == "" {
			return Config{}, errors.New("'storage.file_path' is required for the file backend")
		}
	case BackendMemory:
	default:
		return Config{}, errors.Errorf("unknown storage backend %q (want wal, postgres, file or memory)", out.Storage.Backend)
	}
	if out.Archive.Bucket != "" && out.Archive.Region == "" {
		return Config{}, errors.New("'archive.region' is required when an archive bucket is set")
	}
	return out, nil
}

func applyEnvOverrides(c *ConfigTmp) {
	setStr(&c.ReportingCurrency, "HOLDINGS_REPORTING_CURRENCY")
	setStr(&c.DefaultTaxMethod, "HOLDINGS_DEFAULT_TAX_METHOD")
	setStr(&c.TaxRate, "HOLDINGS_ESTIMATED_TAX_RATE")
	setStr(&c.LogLevel, "HOLDINGS_LOG_LEVEL")
	setStr(&c.HTTPAddr, "HOLDINGS_HTTP_ADDR")
	setStr(&c.MarketFile, "HOLDINGS_MARKET_FILE")

	setStr(&c.Storage.Backend, "HOLDINGS_STORAGE_BACKEND")
	setStr(&c.Storage.WALDir, "HOLDINGS_WAL_DIR")
	setStr(&c.Storage.FilePath, "HOLDINGS_STATE_FILE")
	setStr(&c.Storage.Postgres.DSN, "HOLDINGS_POSTGRES_DSN")
	setInt(&c.Storage.Postgres.MaxConns, "HOLDINGS_POSTGRES_MAX_CONNS")

	setStr(&c.Redis.Addr, "HOLDINGS_REDIS_ADDR")
	setStr(&c.Redis.Password, "HOLDINGS_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "HOLDINGS_REDIS_DB")

	setStr(&c.Archive.LocalDir, "HOLDINGS_ARCHIVE_DIR")
	setStr(&c.Archive.Bucket, "HOLDINGS_S3_BUCKET")
	setStr(&c.Archive.Region, "HOLDINGS_S3_REGION")
	setStr(&c.Archive.Endpoint, "HOLDINGS_S3_ENDPOINT")
	setStr(&c.Archive.AccessKey, "HOLDINGS_S3_ACCESS_KEY")
	setStr(&c.Archive.SecretKey, "HOLDINGS_S3_SECRET_KEY")
	setBool(&c.Archive.ForcePathStyle, "HOLDINGS_S3_FORCE_PATH_STYLE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
