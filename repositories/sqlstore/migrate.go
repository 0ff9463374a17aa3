package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/upb/adgen/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationTableName is the goose version table
const MigrationTableName = "schema_migrations"

// goose keeps its settings in package globals
var gooseMu sync.Mutex

// zapGooseLogger adapts goose.Logger to zap. Fatalf does not exit;
// the error is returned to the caller instead.
type zapGooseLogger struct {
	logger *zap.Logger
}

func (l *zapGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *zapGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate applies all embedded migrations
func (db *DB) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dialect := "postgres"
	if db.driver == config.DriverSQLite {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	goose.SetLogger(&zapGooseLogger{logger: db.logger.Named("migrations")})
	goose.SetTableName(MigrationTableName)
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	db.logger.Info("running database migrations", zap.String("dialect", dialect))
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	db.logger.Info("migrations completed successfully")
	return nil
}
