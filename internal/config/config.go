package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	App         App         `mapstructure:"app"`
	Logger      Logger      `mapstructure:"logger"`
	Database    Database    `mapstructure:"database"`
	Upbit       Upbit       `mapstructure:"upbit"`
	KIS         KIS         `mapstructure:"kis"`
	Trading     Trading     `mapstructure:"trading"`
	Markets     Markets     `mapstructure:"markets"`
	Guard       Guard       `mapstructure:"guard"`
	Audit       Audit       `mapstructure:"audit"`
	Liquidation Liquidation `mapstructure:"liquidation"`
	Ops         Ops         `mapstructure:"ops"`
}

// App holds the global switches.
type App struct {
	Enabled bool `mapstructure:"enabled"`
	DryRun  bool `mapstructure:"dry_run"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Upbit holds the crypto brokerage credentials and client limits.
type Upbit struct {
	AccessKey      string  `mapstructure:"access_key"`
	SecretKey      string  `mapstructure:"secret_key"`
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// KIS holds the securities brokerage credentials and client limits.
type KIS struct {
	AppKey         string  `mapstructure:"app_key"`
	AppSecret      string  `mapstructure:"app_secret"`
	AccountNo      string  `mapstructure:"account_no"`
	BaseURL        string  `mapstructure:"base_url"`
	Virtual        bool    `mapstructure:"virtual"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Trading holds the risk and rule thresholds.
type Trading struct {
	RiskPct                float64 `mapstructure:"risk_pct"`
	MinConfidence          float64 `mapstructure:"min_confidence"`
	EntryConfidence        float64 `mapstructure:"entry_confidence"`
	StopLossPct            float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct          float64 `mapstructure:"take_profit_pct"`
	MaxNotionalPerTrade    float64 `mapstructure:"max_notional_per_trade"`
	MaxTradesPerDay        int     `mapstructure:"max_trades_per_day"`
	ATRPeriod              int     `mapstructure:"atr_period"`
	ATRMultiplier          float64 `mapstructure:"atr_multiplier"`
	RewardMultiple         float64 `mapstructure:"reward_multiple"`
	MaxPositionExposurePct float64 `mapstructure:"max_position_exposure_pct"`
	MaxTotalExposurePct    float64 `mapstructure:"max_total_exposure_pct"`
	MaxSymbolLeverage      float64 `mapstructure:"max_symbol_leverage"`
	MaxPortfolioLeverage   float64 `mapstructure:"max_portfolio_leverage"`
}

// MarketLoop configures one market's scheduler loop.
type MarketLoop struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
}

// Markets holds the per-market loop settings.
type Markets struct {
	Crypto      MarketLoop `mapstructure:"crypto"`
	KRX         MarketLoop `mapstructure:"krx"`
	US          MarketLoop `mapstructure:"us"`
	HoursGating bool       `mapstructure:"hours_gating"`
}

// Guard holds the circuit-breaker thresholds.
type Guard struct {
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
	CooldownMinutes        int     `mapstructure:"cooldown_minutes"`
	DailyLossLimitPct      float64 `mapstructure:"daily_loss_limit_pct"`
}

// Audit holds the outcome reconciler settings.
type Audit struct {
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
	LookbackHours            int `mapstructure:"lookback_hours"`
}

// Liquidation holds the emergency unwind settings.
type Liquidation struct {
	BaseDelayMS int     `mapstructure:"base_delay_ms"`
	MaxAttempts int     `mapstructure:"max_attempts"`
	MinQuantity float64 `mapstructure:"min_quantity"`
	Percent     float64 `mapstructure:"percent"`
}

// Ops holds the operational HTTP endpoint settings.
type Ops struct {
	Port int `mapstructure:"port"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("app.enabled", true)
	viper.SetDefault("app.dry_run", true)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "trader.db")

	viper.SetDefault("upbit.base_url", "https://api.upbit.com/v1")
	viper.SetDefault("upbit.rate_limit", 8) // requests per second
	viper.SetDefault("upbit.rate_limit_burst", 5)

	viper.SetDefault("kis.base_url", "https://openapivts.koreainvestment.com:29443")
	viper.SetDefault("kis.virtual", true)
	viper.SetDefault("kis.rate_limit", 5)
	viper.SetDefault("kis.rate_limit_burst", 2)

	viper.SetDefault("trading.risk_pct", 0.01)
	viper.SetDefault("trading.min_confidence", 0.4)
	viper.SetDefault("trading.entry_confidence", 0.7)
	viper.SetDefault("trading.stop_loss_pct", 0.05)
	viper.SetDefault("trading.take_profit_pct", 0.10)
	viper.SetDefault("trading.max_notional_per_trade", 0) // 0 = unlimited
	viper.SetDefault("trading.max_trades_per_day", 10)
	viper.SetDefault("trading.atr_period", 14)
	viper.SetDefault("trading.atr_multiplier", 2.0)
	viper.SetDefault("trading.reward_multiple", 1.5)
	viper.SetDefault("trading.max_position_exposure_pct", 0.25)
	viper.SetDefault("trading.max_total_exposure_pct", 1.0)
	viper.SetDefault("trading.max_symbol_leverage", 1.0)
	viper.SetDefault("trading.max_portfolio_leverage", 1.0)

	viper.SetDefault("markets.crypto.enabled", true)
	viper.SetDefault("markets.crypto.interval_seconds", 60)
	viper.SetDefault("markets.krx.enabled", true)
	viper.SetDefault("markets.krx.interval_seconds", 300)
	viper.SetDefault("markets.us.enabled", true)
	viper.SetDefault("markets.us.interval_seconds", 300)
	viper.SetDefault("markets.hours_gating", true)

	viper.SetDefault("guard.max_consecutive_failures", 3)
	viper.SetDefault("guard.cooldown_minutes", 60)
	viper.SetDefault("guard.daily_loss_limit_pct", 0.05)

	viper.SetDefault("audit.reconcile_interval_seconds", 300)
	viper.SetDefault("audit.lookback_hours", 72)

	viper.SetDefault("liquidation.base_delay_ms", 500)
	viper.SetDefault("liquidation.max_attempts", 3)
	viper.SetDefault("liquidation.min_quantity", 0.0001)
	viper.SetDefault("liquidation.percent", 1.0)

	viper.SetDefault("ops.port", 8080)
}

// Validate rejects configurations the process must not start with. Missing
// broker credentials are fatal only when live trading could actually happen.
func (c *Config) Validate() error {
	if c.App.DryRun || !c.App.Enabled {
		return nil
	}
	if c.Markets.Crypto.Enabled && (c.Upbit.AccessKey == "" || c.Upbit.SecretKey == "") {
		return fmt.Errorf("config: live crypto trading requires upbit.access_key and upbit.secret_key")
	}
	if (c.Markets.KRX.Enabled || c.Markets.US.Enabled) &&
		(c.KIS.AppKey == "" || c.KIS.AppSecret == "" || c.KIS.AccountNo == "") {
		return fmt.Errorf("config: live equities trading requires kis.app_key, kis.app_secret and kis.account_no")
	}
	return nil
}
