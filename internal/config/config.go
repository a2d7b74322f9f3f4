// Package config loads the factorlab YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"factorlab/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for factorlab.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
	Data     Data     `yaml:"data"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Gather   Gather   `yaml:"gather"`
	Research Research `yaml:"research"`
	Serve    Serve    `yaml:"serve"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	FactorDir  string `yaml:"factor_dir" validate:"required"`
	SQLitePath string `yaml:"sqlite_path" validate:"required"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Data selects the research universe.
type Data struct {
	Market  string   `yaml:"market" validate:"oneof=us cn"`
	Symbols []string `yaml:"symbols"`
	// SymbolsFile is a CSV with a symbol column, used when Symbols is empty.
	SymbolsFile string `yaml:"symbols_file"`
	StartDate   string `yaml:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string `yaml:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url" validate:"omitempty,url"`
	// BaseURL is the trading API endpoint, used for the market calendar.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Feed    string `yaml:"feed" validate:"omitempty,oneof=iex sip otc"`
}

// Gather holds parameters for the daily bar gathering job.
type Gather struct {
	BatchSize       int `yaml:"batch_size" validate:"min=1"`
	MaxWorkers      int `yaml:"max_workers" validate:"min=1"`
	RateLimitPerMin int `yaml:"rate_limit_per_min" validate:"min=0"`
	MaxAttempts     int `yaml:"max_attempts" validate:"min=1"`
}

// Research controls factor assembly, model fitting and the backtest.
type Research struct {
	Factors        []string `yaml:"factors"`
	TestSize       int      `yaml:"test_size" validate:"min=0"`
	CVFolds        int      `yaml:"cv_folds" validate:"min=2"`
	LassoTol       float64  `yaml:"lasso_tol" validate:"gt=0"`
	SelectFeatures bool     `yaml:"select_features"`
	Strategy       string   `yaml:"strategy" validate:"oneof=topk equal"`
	TopK           int      `yaml:"top_k" validate:"min=1,max=99"`
	FeeRate        float64  `yaml:"fee_rate" validate:"min=0"`
	MissingReturns string   `yaml:"missing_returns" validate:"oneof=zero strict"`
	Workers        int      `yaml:"workers" validate:"min=0"`
}

// Serve configures the run history HTTP API.
type Serve struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// RateLimit caps requests per second; 0 disables the limit.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			FactorDir:  "data/factors",
			SQLitePath: "data/factorlab.db",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Data:    Data{Market: "us", StartDate: "2015-01-01"},
		Alpaca:  Alpaca{Feed: "iex"},
		Gather: Gather{
			BatchSize:       100,
			MaxWorkers:      4,
			RateLimitPerMin: 200,
			MaxAttempts:     3,
		},
		Research: Research{
			TestSize:       252,
			CVFolds:        5,
			LassoTol:       1e-6,
			Strategy:       "topk",
			TopK:           10,
			FeeRate:        0.0008,
			MissingReturns: "zero",
		},
		Serve: Serve{Addr: "localhost:8080", RateLimit: 20},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FACTOR_DIR"); v != "" {
		cfg.Storage.FactorDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars, the names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("FEE_RATE"); v != "" {
		fee, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &domain.ConfigError{Component: "config", Param: "FEE_RATE", Value: v, Reason: "must be a number"}
		}
		cfg.Research.FeeRate = fee
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field constraint and returns one *domain.ConfigError
// per violation, joined.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		errs = append(errs, &domain.ConfigError{
			Component: "config",
			Param:     strings.TrimPrefix(fe.Namespace(), "Config."),
			Value:     fe.Value(),
			Reason:    "failed " + reason,
		})
	}
	return errors.Join(errs...)
}

// Range parses the configured date range. A missing end date means today.
func (d Data) Range() (start, end time.Time, err error) {
	start, err = time.Parse(time.DateOnly, d.StartDate)
	if err != nil {
		return start, end, fmt.Errorf("start_date: %w", err)
	}
	if d.EndDate == "" {
		return start, domain.Day(time.Now()), nil
	}
	end, err = time.Parse(time.DateOnly, d.EndDate)
	if err != nil {
		return start, end, fmt.Errorf("end_date: %w", err)
	}
	if end.Before(start) {
		return start, end, &domain.ConfigError{Component: "config", Param: "data.end_date", Value: d.EndDate, Reason: "is before start_date"}
	}
	return start, end, nil
}
