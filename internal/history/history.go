// Package history records completed runs so they can be listed later with
// `yas history`. Two backends are provided through GORM: SQLite (default,
// zero-config, under the home directory) and PostgreSQL (shared history
// across machines).
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// maxResultLen bounds the stored result and error text.
const maxResultLen = 4096

// Run is one recorded tool invocation.
type Run struct {
	ID         uuid.UUID
	Reference  string // Reference as typed by the user.
	URL        string // Resolved fetch URL.
	Fragment   string
	StartedAt  time.Time
	Setup      time.Duration
	Fetch      time.Duration
	Eval       time.Duration
	FromCache  bool
	ResultKind string // "none", "scalar", "sequence", "opaque"; empty on failure.
	Result     string // Debug form of the result.
	Error      string // Empty on success.
}

// Succeeded reports whether the run completed without error.
func (r Run) Succeeded() bool { return r.Error == "" }

// Recorder persists runs.
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres".
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// Store is a GORM-backed run history.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(ctx context.Context, cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = openSQLite(cfg.SQLite, gormLogger)
	case "postgres":
		db, err = openPostgres(cfg.Postgres, gormLogger)
	default:
		return nil, fmt.Errorf("history driver %q is not supported (use sqlite or postgres)", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, driver: driver, logger: slogger}
	if err := s.db.WithContext(ctx).AutoMigrate(&RunModel{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("auto-migrating history: %w", err)
	}

	slogger.Debug("history store opened", slog.String("driver", driver))
	return s, nil
}

// Driver returns the backend name.
func (s *Store) Driver() string { return s.driver }

// Record stores a run. A zero ID is replaced with a new random one.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	m := toModel(run)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns up to n runs, newest first. n <= 0 means 20.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	var models []RunModel
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(n).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, fromModel(m))
	}
	return runs, nil
}

// Get returns the run with the given ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	var m RunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	r := fromModel(m)
	return &r, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

var _ Recorder = (*Store)(nil)
