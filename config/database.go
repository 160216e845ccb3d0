package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
}

// DatabaseConfig selects the engine's store. Driver "sqlite" opens Path and is meant
// for local runs and CLI dry runs; anything else is MySQL.
type DatabaseConfig struct {
	Driver   string
	Path     string
	User     string
	Password string
	Host     string
	Port     string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectAttempts bounds ConnectDatabaseWithRetry; 0 retries forever.
	ConnectAttempts int
}

func LoadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER"))),
		Path:            strings.TrimSpace(os.Getenv("DB_PATH")),
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            os.Getenv("DB_HOST"),
		Port:            os.Getenv("DB_PORT"),
		Name:            os.Getenv("DB_NAME"),
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		ConnectAttempts: intFromEnv("DB_CONNECT_ATTEMPTS", 0),
	}
	if cfg.Driver == "" {
		cfg.Driver = "mysql"
	}
	if cfg.Driver == "sqlite" {
		if cfg.Path == "" {
			cfg.Path = "transfer_engine.db"
		}
		cfg.MaxOpenConns = 1
	}
	return cfg
}

// DSN returns the driver-specific connection string. A Cloud SQL socket host
// (/cloudsql/<connection>) is dialled over unix.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "sqlite" {
		return c.Path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	network, address := "tcp", fmt.Sprintf("%s:%s", c.Host, c.Port)
	if strings.HasPrefix(c.Host, "/cloudsql/") {
		network, address = "unix", c.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true", c.User, c.Password, network, address, c.Name)
}

func (c DatabaseConfig) Dialector() gorm.Dialector {
	if c.Driver == "sqlite" {
		return sqlite.Open(c.DSN())
	}
	return mysql.Open(c.DSN())
}

// ConnectDatabaseWithRetry opens the database from the environment, installs the
// otelgorm plugin and sets the global handle.
func ConnectDatabaseWithRetry() error {
	cfg := LoadDatabaseConfig()
	fields := logrus.Fields{"field": "database", "driver": cfg.Driver}

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(cfg.Dialector(), &gorm.Config{Logger: gormLogger()})
		if err == nil {
			err = cfg.applyPool(conn)
		}
		if err == nil {
			if perr := conn.Use(otelgorm.NewPlugin()); perr != nil {
				logg.WithFields(fields).Warnf("otelgorm plugin not installed: %v", perr)
			}
			db = conn
			logg.WithFields(fields).WithField("attempt", attempt).Info("database connected")
			return nil
		}
		if cfg.ConnectAttempts > 0 && attempt >= cfg.ConnectAttempts {
			return fmt.Errorf("connect %s database after %d attempts: %w", cfg.Driver, attempt, err)
		}
		sleep := retryDelay(attempt)
		logg.WithFields(fields).WithField("attempt", attempt).Warnf("database connect failed: %v; retrying in %s", err, sleep)
		time.Sleep(sleep)
	}
}

func (c DatabaseConfig) applyPool(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if c.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	if c.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}
	return nil
}

// retryDelay doubles from 2s and caps at 30s.
func retryDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Second << attempt
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// gormLogger writes every statement to GORM_LOG when set, otherwise errors and slow queries to stdout.
func gormLogger() logger.Interface {
	out, level := io.Writer(os.Stdout), logger.Error
	if path := os.Getenv("GORM_LOG"); path != "" {
		if f, err := os.Create(path); err == nil {
			out, level = f, logger.Info
		}
	}
	return logger.New(log.New(out, "\r\n", log.LstdFlags), logger.Config{
		LogLevel:      level,
		SlowThreshold: time.Second,
	})
}
