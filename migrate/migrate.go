// Package migrate is a small versioned schema-migration runner built on
// pgsession.Session and pgsession.Transaction (spec.md §2 lists a migration
// helper as "referenced only"; SPEC_FULL.md §9 supplements it). It is
// grounded on the Migration() handler idiom in
// example/query/postgres.go — one handler that runs a CREATE TABLE IF NOT
// EXISTS — generalized here from a single hard-coded statement into an
// ordered slice of named steps, each applied inside its own transaction.
package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gopgsession/pgsession"
)

const createTrackingTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migration is one versioned schema step. Version must be unique and steps
// are applied in ascending Version order regardless of registration order.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

// Runner applies a fixed set of Migrations in order, skipping versions
// already recorded in schema_migrations.
type Runner struct {
	migrations []Migration
	logger     *zap.Logger
}

// NewRunner builds a Runner over migrations, sorted by Version.
func NewRunner(logger *zap.Logger, migrations ...Migration) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Runner{migrations: sorted, logger: logger}
}

// Applied records one migration that Run actually applied in this call.
type Applied struct {
	Migration
	CorrelationID string
}

// Run ensures the tracking table exists, then applies every Migration whose
// Version is not yet recorded, each inside its own transaction: a failure
// partway through leaves earlier migrations committed and the failing one
// rolled back, matching the Transaction drop-rolls-back contract.
// Every migration applied in this call shares one correlation id, logged
// alongside its version so a batch can be traced across a deploy.
func (r *Runner) Run(ctx context.Context, session *pgsession.Session) ([]Applied, error) {
	if _, err := session.Query(ctx, createTrackingTable); err != nil {
		return nil, fmt.Errorf("migrate: create tracking table: %w", err)
	}

	applied, err := r.appliedVersions(ctx, session)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	var ran []Applied

	for _, m := range r.migrations {
		if applied[m.Version] {
			continue
		}

		if err := r.applyOne(ctx, session, m, correlationID); err != nil {
			return ran, fmt.Errorf("migrate: version %d (%s): %w", m.Version, m.Name, err)
		}

		r.logger.Info("applied migration",
			zap.Int64("version", m.Version),
			zap.String("name", m.Name),
			zap.String("correlation_id", correlationID))
		ran = append(ran, Applied{Migration: m, CorrelationID: correlationID})
	}

	return ran, nil
}

func (r *Runner) appliedVersions(ctx context.Context, session *pgsession.Session) (map[int64]bool, error) {
	res, err := session.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read applied versions: %w", err)
	}

	applied := make(map[int64]bool)
	for _, row := range res.Arrays() {
		if len(row) == 0 {
			continue
		}
		switch v := row[0].(type) {
		case int64:
			applied[v] = true
		case string:
			var n int64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				applied[n] = true
			}
		}
	}
	return applied, nil
}

func (r *Runner) applyOne(ctx context.Context, session *pgsession.Session, m Migration, correlationID string) error {
	tx, err := session.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)

	if _, err := session.Query(ctx, m.SQL); err != nil {
		return err
	}

	const record = `INSERT INTO schema_migrations (version, name, correlation_id) VALUES (?, ?, ?)`
	if _, err := session.Query(ctx, record, m.Version, m.Name, correlationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
