// Package config is the Config component (C9): typed settings loaded
// from the environment, validated with struct tags, and split into an
// immutable startup snapshot plus the narrow subset UpdatePartial
// accepts at runtime.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"binrange-core/internal/domain"
)

// Config holds every setting the trading core needs at startup. Fields
// tagged `live:"true"` may be changed after startup via UpdatePartial;
// every other field is fixed once Load returns.
type Config struct {
	RSIPeriod        int           `validate:"gte=2,lte=100"`
	Oversold         float64       `validate:"gte=1,lte=50" live:"true"`
	Overbought       float64       `validate:"gte=50,lte=99" live:"true"`
	CheckInterval    intSeconds    `validate:"gte=1" live:"true"`
	PositionFactors  map[domain.Timeframe]float64 `validate:"dive,gte=0,lte=1" live:"true"`

	EnabledTimeframes []domain.Timeframe

	TradingSymbol   string `validate:"required"`
	BaseTokenMint   string `validate:"required"`
	BaseTokenSymbol string `validate:"required"`
	QuoteTokenMint  string `validate:"required"`
	QuoteTokenSymbol string `validate:"required"`

	PoolID       map[domain.Timeframe]string
	BinStep      map[domain.Timeframe]int64
	BaseFee      map[domain.Timeframe]int64
	StrategyType map[domain.Timeframe]domain.StrategyType

	HarvestEnabled      bool    `live:"true"`
	HarvestMinBins      int     `validate:"gte=1" live:"true"`
	HarvestMinPriceMove float64 `validate:"gte=0" live:"true"`
	HarvestBpsThreshold int     `live:"true"`

	TransactionTimeoutMS    int  `validate:"gte=1"`
	TransactionMaxRetries   int  `validate:"gte=0"`
	TransactionSkipPreflight bool

	WalletSeedPhrase string `validate:"required"`
	WalletOwner      string `validate:"required"`
	QuoteTokenAccount string `validate:"required"`
	QuoteTokenDecimals int   `validate:"gte=0,lte=18"`

	RPCEndpoint       string `validate:"required"`
	WSEndpoint        string `validate:"required"`
	MarketDataBaseURL string `validate:"required"`

	StorageBackend         string `validate:"oneof=memory filestore postgres"`
	PositionsFilePath      string
	BalanceHistoryFilePath string
	PostgresDSN            string
	ClickhouseDSN          string

	HTTPAddr string
}

// intSeconds is a plain int under the hood; it exists only so the
// DEFAULT_CHECK_INTERVAL env var's unit (seconds) is documented at the
// type rather than at every call site.
type intSeconds int

var validate = validator.New()

// Load reads a Config from the environment, auto-loading a .env file
// first if one is present (existing environment variables win).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using system environment variables")
	}

	enabled := enabledTimeframes(getEnv("ENABLED_TIMEFRAMES", "1m,15m,1h,4h,1d"))

	cfg := Config{
		RSIPeriod:     getEnvInt("RSI_PERIOD", 14),
		Oversold:      getEnvFloat("RSI_OVERSOLD_THRESHOLD", 30),
		Overbought:    getEnvFloat("RSI_OVERBOUGHT_THRESHOLD", 70),
		CheckInterval: intSeconds(getEnvInt("DEFAULT_CHECK_INTERVAL", 60)),

		PositionFactors:   positionFactors(enabled),
		EnabledTimeframes: enabled,

		TradingSymbol:     getEnv("TRADING_SYMBOL", ""),
		BaseTokenMint:     getEnv("BASE_TOKEN_MINT", ""),
		BaseTokenSymbol:   getEnv("BASE_TOKEN_SYMBOL", ""),
		QuoteTokenMint:    getEnv("QUOTE_TOKEN_MINT", ""),
		QuoteTokenSymbol:  getEnv("QUOTE_TOKEN_SYMBOL", ""),

		PoolID:       poolIDs(enabled),
		BinStep:      binSteps(enabled),
		BaseFee:      baseFees(enabled),
		StrategyType: strategyTypes(enabled, getEnv("TRADING_STRATEGY", string(domain.StrategyBidAsk))),

		HarvestEnabled:      getEnvBool("HARVEST_ENABLED", true),
		HarvestMinBins:      getEnvInt("HARVEST_MIN_BINS", 5),
		HarvestMinPriceMove: getEnvFloat("HARVEST_MIN_PRICE_MOVE", 0.01),
		HarvestBpsThreshold: getEnvInt("HARVEST_BPS_THRESHOLD", 10000),

		TransactionTimeoutMS:     getEnvInt("TRANSACTION_TIMEOUT", 180000),
		TransactionMaxRetries:    getEnvInt("TRANSACTION_MAX_RETRIES", 3),
		TransactionSkipPreflight: getEnvBool("TRANSACTION_SKIP_PREFLIGHT", false),

		WalletSeedPhrase:   getEnv("WALLET_SEED_PHRASE", ""),
		WalletOwner:        getEnv("WALLET_OWNER_ADDRESS", ""),
		QuoteTokenAccount:  getEnv("QUOTE_TOKEN_ACCOUNT", ""),
		QuoteTokenDecimals: getEnvInt("QUOTE_TOKEN_DECIMALS", 6),

		RPCEndpoint:       getEnv("RPC_ENDPOINT", ""),
		WSEndpoint:        getEnv("WS_ENDPOINT", ""),
		MarketDataBaseURL: getEnv("MARKETDATA_BASE_URL", "https://api.binance.com"),

		StorageBackend:         getEnv("STORAGE_BACKEND", "filestore"),
		PositionsFilePath:      getEnv("POSITIONS_FILE_PATH", "./data/positions.json"),
		BalanceHistoryFilePath: getEnv("BALANCE_HISTORY_FILE_PATH", "./data/balance_history.json"),
		PostgresDSN:            getEnv("POSTGRES_DSN", ""),
		ClickhouseDSN:          getEnv("CLICKHOUSE_DSN", ""),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	for _, tf := range enabled {
		if !tf.Valid() {
			return Config{}, fmt.Errorf("config: ENABLED_TIMEFRAMES contains unknown timeframe %q", tf)
		}
		if f := cfg.PositionFactors[tf]; f < 0 || f > 1 {
			return Config{}, fmt.Errorf("config: position factor for %s must be in [0,1], got %f", tf, f)
		}
	}
	return cfg, nil
}

// Store wraps a Config behind a mutex, letting UpdatePartial swap the
// live-updatable fields without readers observing a half-written value.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore wraps cfg.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current config snapshot.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Patch is a partial update to the live-updatable subset of Config.
// A nil field is left unchanged.
type Patch struct {
	Oversold            *float64                     `json:"oversold"`
	Overbought          *float64                     `json:"overbought"`
	CheckIntervalSec    *int                         `json:"check_interval_sec"`
	PositionFactors     map[domain.Timeframe]float64 `json:"position_factors"`
	HarvestEnabled      *bool                        `json:"harvest_enabled"`
	HarvestMinBins      *int                         `json:"harvest_min_bins"`
	HarvestMinPriceMove *float64                     `json:"harvest_min_price_move"`
	HarvestBpsThreshold *int                         `json:"harvest_bps_threshold"`
}

// UpdatePartial applies p to the live-updatable fields only. Patch has
// no field for anything outside the live-updatable set, so those
// fields can never change through this method. Only the fields p sets
// are validated; the update is rejected, and the config left as it
// was, if any of them is out of range.
func (s *Store) UpdatePartial(p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	var touched []string
	if p.Oversold != nil {
		next.Oversold = *p.Oversold
		touched = append(touched, "Oversold")
	}
	if p.Overbought != nil {
		next.Overbought = *p.Overbought
		touched = append(touched, "Overbought")
	}
	if p.CheckIntervalSec != nil {
		next.CheckInterval = intSeconds(*p.CheckIntervalSec)
		touched = append(touched, "CheckInterval")
	}
	if p.PositionFactors != nil {
		touched = append(touched, "PositionFactors")
		merged := make(map[domain.Timeframe]float64, len(next.PositionFactors))
		for tf, v := range next.PositionFactors {
			merged[tf] = v
		}
		for tf, v := range p.PositionFactors {
			merged[tf] = v
		}
		next.PositionFactors = merged
	}
	if p.HarvestEnabled != nil {
		next.HarvestEnabled = *p.HarvestEnabled
	}
	if p.HarvestMinBins != nil {
		next.HarvestMinBins = *p.HarvestMinBins
		touched = append(touched, "HarvestMinBins")
	}
	if p.HarvestMinPriceMove != nil {
		next.HarvestMinPriceMove = *p.HarvestMinPriceMove
		touched = append(touched, "HarvestMinPriceMove")
	}
	if p.HarvestBpsThreshold != nil {
		next.HarvestBpsThreshold = *p.HarvestBpsThreshold
	}

	if err := validate.StructPartial(next, touched...); err != nil {
		return fmt.Errorf("config: update_config: %w", err)
	}
	s.cfg = next
	return nil
}

func enabledTimeframes(raw string) []domain.Timeframe {
	var out []domain.Timeframe
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, domain.Timeframe(part))
	}
	return out
}

func positionFactors(enabled []domain.Timeframe) map[domain.Timeframe]float64 {
	out := make(map[domain.Timeframe]float64, len(enabled))
	for _, tf := range enabled {
		out[tf] = getEnvFloat("POSITION_FACTOR_"+envSuffix(tf), 0.1)
	}
	return out
}

func poolIDs(enabled []domain.Timeframe) map[domain.Timeframe]string {
	out := make(map[domain.Timeframe]string, len(enabled))
	for _, tf := range enabled {
		out[tf] = getEnv("POOL_ID_"+envSuffix(tf), "")
	}
	return out
}

func binSteps(enabled []domain.Timeframe) map[domain.Timeframe]int64 {
	out := make(map[domain.Timeframe]int64, len(enabled))
	for _, tf := range enabled {
		out[tf] = int64(getEnvInt("BIN_STEP_"+envSuffix(tf), 25))
	}
	return out
}

func baseFees(enabled []domain.Timeframe) map[domain.Timeframe]int64 {
	out := make(map[domain.Timeframe]int64, len(enabled))
	for _, tf := range enabled {
		out[tf] = int64(getEnvInt("BASE_FEE_"+envSuffix(tf), 10))
	}
	return out
}

func strategyTypes(enabled []domain.Timeframe, fallback string) map[domain.Timeframe]domain.StrategyType {
	out := make(map[domain.Timeframe]domain.StrategyType, len(enabled))
	for _, tf := range enabled {
		out[tf] = domain.StrategyType(getEnv("STRATEGY_TYPE_"+envSuffix(tf), fallback))
	}
	return out
}

func envSuffix(tf domain.Timeframe) string {
	return strings.ToUpper(string(tf))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
