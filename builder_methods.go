package pgsession

import (
	"context"

	"github.com/gopgsession/pgsession/sqlb"
	"github.com/gopgsession/pgsession/sqlb/pgclause"
)

// builder is the keyword-casing convention every Session.Insert/Update/
// Delete/Select call renders with: upper-case keywords, unquoted
// identifiers. No option selects another convention for these methods.
var builder = sqlb.Builder{}

// Insert renders and runs an INSERT statement (spec.md §4.6, §6).
func (s *Session) Insert(ctx context.Context, table string, fields map[string]any, opts pgclause.InsertOptions) (*Results, error) {
	stmt, err := pgclause.Insert(builder, table, fields, opts)
	if err != nil {
		return nil, builderError(err)
	}
	return s.Query(ctx, stmt.SQL, stmt.Args...)
}

// Update renders and runs an UPDATE statement.
func (s *Session) Update(ctx context.Context, table string, set, where map[string]any, returning []string) (*Results, error) {
	stmt, err := pgclause.Update(builder, table, set, where, returning)
	if err != nil {
		return nil, builderError(err)
	}
	return s.Query(ctx, stmt.SQL, stmt.Args...)
}

// Delete renders and runs a DELETE statement.
func (s *Session) Delete(ctx context.Context, table string, where map[string]any, returning []string) (*Results, error) {
	stmt, err := pgclause.Delete(builder, table, where, returning)
	if err != nil {
		return nil, builderError(err)
	}
	return s.Query(ctx, stmt.SQL, stmt.Args...)
}

// Select renders and runs a SELECT statement.
func (s *Session) Select(ctx context.Context, source pgclause.Source, columns []string, where map[string]any, opts pgclause.SelectOptions) (*Results, error) {
	stmt, err := pgclause.Select(builder, source, columns, where, opts)
	if err != nil {
		return nil, builderError(err)
	}
	return s.Query(ctx, stmt.SQL, stmt.Args...)
}
