package gateway

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

//go:embed migrations/sqlite/*.sql
var auditMigrationsFS embed.FS

// AuditEntry is one request/response record in the audit log, persisted
// via GORM the same way the rest of the framework's relational models are.
type AuditEntry struct {
	ID            uint      `gorm:"primarykey"`
	RequestID     string    `gorm:"index"`
	Provider      string
	Model         string
	AgentType     string
	ProjectID     string
	RequestBody   string `gorm:"column:request_body"`
	ResponseBody  string `gorm:"column:response_body"`
	StatusCode    int
	CostUSD       float64
	LatencyMs     int64
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEntry) TableName() string { return "audit_log" }

// AuditLog persists request/response audit entries to an embedded sqlite
// database, gated by AuditConfig.Enabled/LogRequestBodies/LogResponseBodies.
type AuditLog struct {
	cfg AuditConfig
	db  *gorm.DB
}

// OpenAuditLog runs pending schema migrations against cfg's database path
// and opens a GORM connection to it. Returns nil, nil when audit logging
// is disabled in config — callers should treat a nil *AuditLog as a no-op
// sink.
func OpenAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	dbPath := cfg.GetDBPath()
	if err := migrateAuditSchema(dbPath); err != nil {
		return nil, fmt.Errorf("audit: failed to migrate schema: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}

	return &AuditLog{cfg: cfg, db: db}, nil
}

// migrateAuditSchema applies the embedded audit_log migrations to path.
func migrateAuditSchema(path string) error {
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=rwc", path))
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	source, err := iofs.New(auditMigrationsFS, "migrations/sqlite")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Record writes one audit entry, respecting the configured body-logging
// toggles (request/response bodies are omitted, not redacted, when their
// toggle is off).
func (a *AuditLog) Record(entry AuditEntry) error {
	if a == nil {
		return nil
	}
	if !a.cfg.LogRequestBodies {
		entry.RequestBody = ""
	}
	if !a.cfg.LogResponseBodies {
		entry.ResponseBody = ""
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return a.db.Create(&entry).Error
}

// PruneExpired deletes audit entries older than the configured retention
// window. Meant to be called periodically from a background ticker.
func (a *AuditLog) PruneExpired() error {
	if a == nil || a.cfg.RetentionDays == 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -int(a.cfg.RetentionDays))
	return a.db.Where("created_at < ?", cutoff).Delete(&AuditEntry{}).Error
}

// Close releases the underlying database connection.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
