package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"examhall/internal/db"
	"examhall/internal/storage"
)

// Config stores runtime configuration. Environment variables win over
// an optional config.yaml found in the working directory or ./config.
type Config struct {
	AppEnv   string `mapstructure:"app_env"`
	HTTPAddr string `mapstructure:"http_addr"`

	DBDriver          string `mapstructure:"db_driver"`
	DBDSN             string `mapstructure:"db_dsn"`
	DBMaxOpenConns    int    `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns    int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifeMins int    `mapstructure:"db_conn_max_lifetime_minutes"`

	JWTSecret       string `mapstructure:"jwt_secret"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours"`
	BootstrapToken  string `mapstructure:"bootstrap_token"`

	CSRFEnforced        bool   `mapstructure:"csrf_enforced"`
	AuthRateLimitPerMin int    `mapstructure:"auth_rate_limit_per_minute"`
	CORSOrigins         string `mapstructure:"cors_origins"`

	BlobDriver     string `mapstructure:"blob_driver"`
	BlobBasePath   string `mapstructure:"blob_base_path"`
	MinioEndpoint  string `mapstructure:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key"`
	MinioBucket    string `mapstructure:"minio_bucket"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

var configDefaults = map[string]interface{}{
	"app_env":                      "development",
	"http_addr":                    ":8080",
	"db_driver":                    db.DriverPostgres,
	"db_dsn":                       "",
	"db_max_open_conns":            25,
	"db_max_idle_conns":            25,
	"db_conn_max_lifetime_minutes": 30,
	"jwt_secret":                   "",
	"session_ttl_hours":            24,
	"bootstrap_token":              "",
	"csrf_enforced":                false,
	"auth_rate_limit_per_minute":   60,
	"cors_origins":                 "",
	"blob_driver":                  "fs",
	"blob_base_path":               "uploads",
	"minio_endpoint":               "",
	"minio_access_key":             "",
	"minio_secret_key":             "",
	"minio_bucket":                 "examhall",
	"minio_use_ssl":                false,
	"log_level":                    "info",
	"log_file":                     "",
}

func LoadConfig() (Config, error) {
	return loadConfig(viper.New(), ".", "./config")
}

func loadConfig(v *viper.Viper, paths ...string) (Config, error) {
	for key, val := range configDefaults {
		v.SetDefault(key, val)
		// Keys are lower-case in yaml and upper-case in the environment.
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.DBDriver = db.NormalizeDriver(cfg.DBDriver)
	if cfg.AuthRateLimitPerMin <= 0 {
		cfg.AuthRateLimitPerMin = 60
	}
	if cfg.SessionTTLHours <= 0 {
		cfg.SessionTTLHours = 24
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c Config) Database() db.Config {
	return db.Config{
		Driver:          c.DBDriver,
		DSN:             c.DBDSN,
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(c.DBConnMaxLifeMins) * time.Minute,
	}
}

func (c Config) Blob() storage.Config {
	return storage.Config{
		Driver:         c.BlobDriver,
		BasePath:       c.BlobBasePath,
		MinioEndpoint:  c.MinioEndpoint,
		MinioAccessKey: c.MinioAccessKey,
		MinioSecretKey: c.MinioSecretKey,
		MinioBucket:    c.MinioBucket,
		MinioUseSSL:    c.MinioUseSSL,
	}
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
