// Package audit persists an append-only log of sandbox executions via GORM.
// Two drivers are provided: SQLite (default, zero-config, pure Go through
// glebarez/sqlite) and PostgreSQL for shared deployments. Domain callers
// never see GORM types.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sanduku/internal/config"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// maxCommandBytes caps the stored command text so a pathological tool call
// cannot bloat the log.
const maxCommandBytes = 4096

// Record is one audited sandbox execution.
type Record struct {
	ID         uint      `json:"-" gorm:"primaryKey"`
	RunID      string    `json:"run_id" gorm:"index;size:64"`
	SessionID  string    `json:"session_id" gorm:"index;size:128"`
	SandboxID  string    `json:"sandbox_id" gorm:"size:128"`
	Backend    string    `json:"backend" gorm:"size:16"`
	KeyPrefix  string    `json:"key_prefix" gorm:"size:16"` // Never the full credential.
	Tool       string    `json:"tool" gorm:"size:64"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName pins the table name independent of GORM pluralization rules.
func (Record) TableName() string { return "execution_audit" }

// Filter narrows a Query. Zero-value fields are not applied.
type Filter struct {
	RunID     string
	SessionID string
	Backend   string
	Limit     int // Default: 100.
}

// Store is the append-only execution audit log.
// No Update or Delete methods exist on individual records; immutability is
// enforced at the interface level. PruneBefore is the only bulk removal.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects the configured driver and runs AutoMigrate.
// workspaceDir anchors the default SQLite file when no path is configured.
func Open(cfg config.AuditConfig, workspaceDir string, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	driver := cfg.StorageDriver()
	var db *gorm.DB
	var err error

	switch driver {
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(workspaceDir, "audit.db")
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating audit directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite audit log: %w", err)
		}

	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres audit driver requires a DSN")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres audit log: %w", err)
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", dbErr)
		}
		maxConns := cfg.MaxConns
		if maxConns <= 0 {
			maxConns = 10
		}
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	slogger.Info("audit log opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

// Append inserts a single record. This is the only per-record write method.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if len(rec.Command) > maxCommandBytes {
		rec.Command = rec.Command[:maxCommandBytes]
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Query returns matching records, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Backend != "" {
		q = q.Where("backend = ?", f.Backend)
	}

	var records []Record
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	return records, nil
}

// PruneBefore removes records older than cutoff and reports the count.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
