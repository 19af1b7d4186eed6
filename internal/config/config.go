package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverJSON   = "json"
	StoreDriverMySQL  = "mysql"
	StoreDriverSQLite = "sqlite3"
)

type Config struct {
	ServerAddress string `env:"SERVER_ADDRESS"`
	Environment   string `env:"ENVIRONMENT"`
	Store         StoreConfig
	Database      DatabaseConfig
	Migration     MigrationConfig
	Mail          MailConfig
	Sheets        SheetsConfig
	Redis         RedisConfig
	Sync          SyncConfig
}

type StoreConfig struct {
	Driver string `env:"STORE_DRIVER"`
	// Path is the JSON document for the json driver and the database file
	// for sqlite3.
	Path string `env:"STORE_PATH"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
	Params   string `env:"DB_PARAMS"`
}

type MigrationConfig struct {
	Dir  string `env:"MIGRATION_DIR"`
	Auto bool   `env:"MIGRATION_AUTO"`
}

type MailConfig struct {
	CredentialsFile string   `env:"GMAIL_CREDENTIALS_FILE"`
	DelegatedUser   string   `env:"GMAIL_DELEGATED_USER"`
	Label           string   `env:"GMAIL_LABEL"`
	ForwardPrefixes []string `env:"GMAIL_FORWARD_PREFIXES"`
	PageSize        int64    `env:"GMAIL_PAGE_SIZE"`
}

type SheetsConfig struct {
	SpreadsheetID   string `env:"SHEETS_SPREADSHEET_ID"`
	CredentialsFile string `env:"SHEETS_CREDENTIALS_FILE"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB"`
	LockKey  string        `env:"REDIS_LOCK_KEY"`
	LockTTL  time.Duration `env:"REDIS_LOCK_TTL"`
}

type SyncConfig struct {
	// Interval of the background batch ticker; zero disables it.
	Interval time.Duration `env:"SYNC_INTERVAL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("STORE_DRIVER", StoreDriverJSON)
	v.SetDefault("STORE_PATH", "data/reports.json")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_PARAMS", "charset=utf8mb4")
	v.SetDefault("MIGRATION_DIR", "migrations")
	v.SetDefault("MIGRATION_AUTO", false)
	v.SetDefault("GMAIL_LABEL", "consumi Spiaggia")
	v.SetDefault("GMAIL_FORWARD_PREFIXES", "Fwd:,FW:")
	v.SetDefault("GMAIL_PAGE_SIZE", 500)
	v.SetDefault("REDIS_LOCK_KEY", "pos-report-service:batch")
	v.SetDefault("REDIS_LOCK_TTL", 10*time.Minute)
	v.SetDefault("SYNC_INTERVAL", 0)
}

// LoadConfig reads the dotenv file at path, when it exists, and lets the
// process environment override every key.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		Environment:   v.GetString("ENVIRONMENT"),
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
			Path:   v.GetString("STORE_PATH"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Params:   v.GetString("DB_PARAMS"),
		},
		Migration: MigrationConfig{
			Dir:  v.GetString("MIGRATION_DIR"),
			Auto: v.GetBool("MIGRATION_AUTO"),
		},
		Mail: MailConfig{
			CredentialsFile: v.GetString("GMAIL_CREDENTIALS_FILE"),
			DelegatedUser:   v.GetString("GMAIL_DELEGATED_USER"),
			Label:           v.GetString("GMAIL_LABEL"),
			ForwardPrefixes: splitList(v.GetString("GMAIL_FORWARD_PREFIXES")),
			PageSize:        v.GetInt64("GMAIL_PAGE_SIZE"),
		},
		Sheets: SheetsConfig{
			SpreadsheetID:   v.GetString("SHEETS_SPREADSHEET_ID"),
			CredentialsFile: v.GetString("SHEETS_CREDENTIALS_FILE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			LockKey:  v.GetString("REDIS_LOCK_KEY"),
			LockTTL:  v.GetDuration("REDIS_LOCK_TTL"),
		},
		Sync: SyncConfig{
			Interval: v.GetDuration("SYNC_INTERVAL"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverJSON, StoreDriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("STORE_PATH is required for the %s store", c.Store.Driver)
		}
	case StoreDriverMySQL:
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("DB_HOST and DB_NAME are required for the mysql store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Mail.PageSize <= 0 {
		return errors.New("GMAIL_PAGE_SIZE must be positive")
	}
	if c.Sync.Interval < 0 {
		return errors.New("SYNC_INTERVAL must not be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// GetDSN returns the MySQL DSN string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
