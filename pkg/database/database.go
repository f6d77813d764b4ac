package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"

	"caseace/models"
)

// Open connects to Postgres when dsn is set and to the SQLite file at
// sqlitePath otherwise.
func Open(dsn, sqlitePath string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.TrimSpace(dsn) != "" {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(sqlitePath)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if db.Dialector.Name() == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// migrates every model. Tests use it with a path under t.TempDir().
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// one writer at a time; SQLite locks the whole file anyway
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db, zerolog.Nop()); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs AutoMigrate model by model so one failing table does not
// block the others. The first failure is returned after all were tried.
func Migrate(db *gorm.DB, log zerolog.Logger) error {
	var first error
	for _, m := range models.All() {
		if err := db.AutoMigrate(m); err != nil {
			log.Warn().Err(err).Str("model", fmt.Sprintf("%T", m)).Msg("migration warning")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "duplicate key")
}

// ForUpdate locks selected rows on Postgres. SQLite ignores the clause.
func ForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}
