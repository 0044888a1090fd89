// Package archive persists terminal execution snapshots beyond the
// tracker's in-memory retention window.
//
// The tracker never blocks on the archive: a Buffer subscribes to tracker
// events, coalesces snapshots per correlation ID and writes them in
// batches from a background loop. Two backends exist: SQLite for a single
// hub (modernc.org/sqlite, no cgo) and Postgres through internal/storage.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/storage"
	"github.com/ashita-ai/kanshi/migrations"
)

// ErrNotFound is returned when an execution was never archived.
var ErrNotFound = storage.ErrNotFound

// Store is an execution archive backend.
type Store interface {
	// UpsertExecutions writes snapshots; a later snapshot of the same
	// execution replaces the stored one.
	UpsertExecutions(ctx context.Context, execs []model.Execution) error
	GetExecution(ctx context.Context, id string) (model.Execution, error)
	RecentExecutions(ctx context.Context, f model.ExecutionFilter) ([]model.Execution, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Open connects to the archive named by rawURL: "sqlite:<path>" or a
// postgres:// URL. An empty URL disables archiving and returns a nil Store.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (Store, error) {
	switch {
	case rawURL == "":
		return nil, nil

	case strings.HasPrefix(rawURL, "sqlite:"):
		path := strings.TrimPrefix(rawURL, "sqlite:")
		path = strings.TrimPrefix(path, "//")
		return OpenSQLite(ctx, path)

	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		db, err := storage.New(ctx, rawURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil

	default:
		return nil, fmt.Errorf("archive: unsupported url %q", rawURL)
	}
}
