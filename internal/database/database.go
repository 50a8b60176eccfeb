// Package database opens the gorm connection behind the preference store.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers understood by Connect.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MemoryPath selects an in-memory SQLite database.
const MemoryPath = ":memory:"

// Config selects and addresses the database.
type Config struct {
	Driver   string
	Path     string
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// Manager handles database connections.
type Manager struct {
	DB       *gorm.DB
	SqlDB    *sql.DB
	IsValid  bool
	Fallback bool
	Logger   zerolog.Logger
	config   Config
}

// NewManager creates a new database manager.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{config: cfg, Logger: log}
}

// Connect opens the configured database. A Postgres failure falls back to
// SQLite at the configured path.
func (m *Manager) Connect() error {
	var err error

	switch m.config.Driver {
	case DriverPostgres:
		m.DB, err = m.GetPostgresDB()
		if err == nil {
			err = ping(m.DB)
		}
		if err != nil {
			m.Logger.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
			m.Fallback = true
			m.DB, err = m.GetSqliteDB(m.config.Path)
		}
	case DriverSQLite, "":
		m.DB, err = m.GetSqliteDB(m.config.Path)
	default:
		return fmt.Errorf("unknown database driver %q", m.config.Driver)
	}
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to open database: %w", err)
	}

	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err := m.SqlDB.Ping(); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to validate connection: %w", err)
	}

	m.IsValid = true
	m.Logger.Info().Str("driver", m.DB.Dialector.Name()).Msg("Connected to database")
	return nil
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		m.config.Host,
		m.config.Port,
		m.config.Username,
		m.config.Password,
		m.config.Database,
	)

	m.Logger.Debug().Str("host", m.config.Host).Str("database", m.config.Database).Msg("Connecting to Postgres DB")

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB returns a connection to a SQLite database. An empty path or
// MemoryPath opens a private in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	if path == "" {
		path = MemoryPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// a private in-memory database lives only as long as its one connection
	if path == MemoryPath {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(time.Duration(0))
		m.Logger.Info().Msg("Using in-memory SQLite DB")
	} else {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %s", err)
		}
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}
