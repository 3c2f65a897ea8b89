// Package history persists completed builds to a durable build_history
// table, independent of the State Manager's live/TTL'd Redis records. It is
// the system of record for "what builds ran, when, and how" long after a
// build's Redis entry has expired.
package history

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
)

// Sink is the narrow interface the Coordinator depends on, so a test build
// of the coordinator can substitute a no-op or in-memory sink without
// pulling in a real Postgres connection.
type Sink interface {
	Record(ctx context.Context, summary model.BuildSummary) error
}

// PostgresSink persists build summaries via sqlx against a build_history
// table. The Coordinator calls Record synchronously after storing a
// worker's result; a failure is logged and never changes the build's status.
type PostgresSink struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresSink constructs a PostgresSink over an already-open sqlx.DB
// (the controller wraps a sql.Open("postgres", dsn) handle with sqlx.NewDb).
func NewPostgresSink(db *sqlx.DB, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{db: db, logger: logger}
}

// schemaSQL creates the build_history table this sink writes to. It is
// idempotent so `gpubuild-controller migrate` can run against an
// already-migrated database.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS build_history (
	build_id         TEXT PRIMARY KEY,
	repository       TEXT NOT NULL,
	branch           TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION,
	error            TEXT,
	cancelled_by     TEXT
);
CREATE INDEX IF NOT EXISTS build_history_repository_idx ON build_history (repository);
CREATE INDEX IF NOT EXISTS build_history_completed_at_idx ON build_history (completed_at);
`

// Migrate creates the build_history table and its indexes if they do not
// already exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return sharederrors.DatabaseError("migrate build_history schema", err)
	}
	return nil
}

const insertSummary = `
INSERT INTO build_history
	(build_id, repository, branch, status, started_at, completed_at, duration_seconds, error, cancelled_by)
VALUES
	(:build_id, :repository, :branch, :status, :started_at, :completed_at, :duration_seconds, :error, :cancelled_by)
ON CONFLICT (build_id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	duration_seconds = EXCLUDED.duration_seconds,
	error = EXCLUDED.error,
	cancelled_by = EXCLUDED.cancelled_by
`

// summaryRow is the sqlx-bindable row shape for insertSummary; db column
// names are spelled out via `db` tags rather than relying on sqlx's
// automatic snake_case inference for the nullable pointer fields.
type summaryRow struct {
	BuildID         string   `db:"build_id"`
	Repository      string   `db:"repository"`
	Branch          string   `db:"branch"`
	Status          string   `db:"status"`
	StartedAt       *string  `db:"started_at"`
	CompletedAt     *string  `db:"completed_at"`
	DurationSeconds *float64 `db:"duration_seconds"`
	Error           string   `db:"error"`
	CancelledBy     string   `db:"cancelled_by"`
}

// Record writes one build's terminal summary to build_history.
func (s *PostgresSink) Record(ctx context.Context, summary model.BuildSummary) error {
	row := summaryRow{
		BuildID:         summary.BuildID,
		Repository:      summary.Repository,
		Branch:          summary.Branch,
		Status:          string(summary.Status),
		DurationSeconds: summary.DurationSecs,
		Error:           summary.Error,
		CancelledBy:     summary.CancelledBy,
	}
	if summary.StartedAt != nil {
		s := summary.StartedAt.Format("2006-01-02T15:04:05Z07:00")
		row.StartedAt = &s
	}
	if summary.CompletedAt != nil {
		s := summary.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		row.CompletedAt = &s
	}

	if _, err := s.db.NamedExecContext(ctx, insertSummary, row); err != nil {
		s.logger.Error("failed to record build history",
			logging.DatabaseFields("insert", "build_history").Error(err).Resource("build", summary.BuildID).ToLogrus())
		return sharederrors.DatabaseError("record build history", err)
	}
	return nil
}

// NoopSink discards every summary. Used when history.dsn is unset in
// configuration — the control plane runs without durable build history
// rather than failing to start.
type NoopSink struct{}

func (NoopSink) Record(context.Context, model.BuildSummary) error { return nil }
