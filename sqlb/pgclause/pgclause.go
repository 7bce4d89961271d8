// Package pgclause extends sqlb with the Postgres-specific clauses
// spec.md §4.6 describes: ON CONFLICT, RETURNING, JOIN tuples, GROUP BY,
// ORDER BY, LIMIT/OFFSET, and FOR. It never talks to a connection directly
// — Session.Insert/Update/Delete/Select build a statement here, then hand
// the resulting SQL and args to Session.Query, the same two-step split the
// teacher's Builder/Segment pair uses (driver/postgres/postgres.go).
package pgclause

import (
	"fmt"
	"strings"

	"github.com/gopgsession/pgsession/sqlb"
)

// Statement is a fully rendered SQL string plus its positional arguments,
// ready for Session.Query.
type Statement struct {
	SQL  string
	Args []any
}

// Join is one join-tuple entry in a Select source list: `[name, fk, pk,
// type?]` in spec.md §4.6, rendered as
// ` [type] JOIN name ON (name.fk = <firstTable>.pk)`.
type Join struct {
	Table string
	FK    string
	PK    string
	// Type is the join keyword ("LEFT", "RIGHT", "FULL", ...); empty means
	// a plain JOIN.
	Type string
}

// Source is the source argument of Select: a first table plus zero or more
// join tuples against it, or table names forwarded untouched to the
// generic builder when no joins are given.
type Source struct {
	Table string
	Joins []Join
}

func qualified(b sqlb.Builder, table, col string) string {
	return b.Ident(table) + "." + b.Ident(col)
}

// Render produces the FROM-clause source text for a Select, quoting
// identifiers per b's convention (unquoted by default, matching spec.md §8's
// `FROM foo LEFT JOIN bar ON (bar.foo_id = foo.id)` rendering).
func (s Source) Render(b sqlb.Builder) string {
	if len(s.Joins) == 0 {
		return b.Ident(s.Table)
	}
	var buf strings.Builder
	buf.WriteString(b.Ident(s.Table))
	for _, j := range s.Joins {
		kw := "JOIN"
		if j.Type != "" {
			kw = strings.ToUpper(j.Type) + " JOIN"
		}
		fmt.Fprintf(&buf, " %s %s ON (%s = %s)", kw, b.Ident(j.Table),
			qualified(b, j.Table, j.FK), qualified(b, s.Table, j.PK))
	}
	return buf.String()
}

// OnConflict is the ON CONFLICT clause builder for Insert. The zero value
// renders no clause; use one of the constructors below.
type OnConflict struct {
	doNothing bool
	fields    []string
	set       map[string]any
	literal   string
	binds     []any
	isSet     bool
}

// ConflictDoNothing renders ` ON CONFLICT DO NOTHING`.
func ConflictDoNothing() OnConflict { return OnConflict{isSet: true, doNothing: true} }

// ConflictDoUpdate renders
// ` ON CONFLICT (f1, f2) DO UPDATE SET col = ?, ...`, with fields and set
// keys rendered as identifiers under the builder's quoting convention.
func ConflictDoUpdate(fields []string, set map[string]any) OnConflict {
	return OnConflict{isSet: true, fields: fields, set: set}
}

// ConflictLiteral inlines sql verbatim as the ON CONFLICT clause, optionally
// appending binds as positional arguments.
func ConflictLiteral(sql string, binds ...any) OnConflict {
	return OnConflict{isSet: true, literal: sql, binds: binds}
}

func (o OnConflict) render(b sqlb.Builder) (sql string, args []any) {
	if !o.isSet {
		return "", nil
	}
	if o.literal != "" {
		return " " + o.literal, o.binds
	}
	if o.doNothing {
		return " ON CONFLICT DO NOTHING", nil
	}

	cols := make([]string, len(o.fields))
	for i, f := range o.fields {
		cols[i] = b.Ident(f)
	}

	setSQL, setArgs := b.SetClause(o.set)

	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE %s", strings.Join(cols, ", "), setSQL), setArgs
}

// InsertOptions configures pgclause.Insert beyond sqlb.Builder.Insert.
type InsertOptions struct {
	OnConflict *OnConflict
	Returning  []string
}

// Insert renders an INSERT statement with an optional ON CONFLICT clause
// and RETURNING list (spec.md §4.6). When OnConflict is set and Returning
// is empty, the RETURNING clause is omitted entirely — the same net effect
// spec.md's "internal flag" produces, expressed here as plain ordering
// instead of a side flag.
func Insert(b sqlb.Builder, table string, fields map[string]any, opts InsertOptions) (*Statement, error) {
	sql, args, err := b.Insert(table, fields)
	if err != nil {
		return nil, err
	}

	if opts.OnConflict != nil {
		conflictSQL, conflictArgs := opts.OnConflict.render(b)
		sql += conflictSQL
		args = append(args, conflictArgs...)
	}

	if len(opts.Returning) > 0 {
		sql += returningClause(b, opts.Returning)
	}

	return &Statement{SQL: sql, Args: args}, nil
}

func returningClause(b sqlb.Builder, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = b.Ident(c)
	}
	return " RETURNING " + strings.Join(quoted, ", ")
}

// Update renders an UPDATE statement with an optional RETURNING list.
func Update(b sqlb.Builder, table string, set, where map[string]any, returning []string) (*Statement, error) {
	sql, args, err := b.Update(table, set, where)
	if err != nil {
		return nil, err
	}
	if len(returning) > 0 {
		sql += returningClause(b, returning)
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// Delete renders a DELETE statement with an optional RETURNING list.
func Delete(b sqlb.Builder, table string, where map[string]any, returning []string) (*Statement, error) {
	sql, args, err := b.Delete(table, where)
	if err != nil {
		return nil, err
	}
	if len(returning) > 0 {
		sql += returningClause(b, returning)
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// SelectOptions configures pgclause.Select beyond sqlb.Builder.Select.
type SelectOptions struct {
	// GroupBy is a list of identifiers, rendered under the builder's
	// quoting convention, or literal SQL inlined verbatim when
	// GroupByIsLiteral is set.
	GroupBy          []string
	GroupByIsLiteral bool
	OrderBy          []string
	Limit            *int
	Offset           *int
	// For is "update" for ` FOR UPDATE`, or any other string inlined
	// verbatim as literal SQL (e.g. "SHARE", "UPDATE NOWAIT").
	For string
}

// Select renders a SELECT statement over source with where, group-by,
// order-by, limit/offset, and a trailing FOR clause (spec.md §4.6).
func Select(b sqlb.Builder, source Source, columns []string, where map[string]any, opts SelectOptions) (*Statement, error) {
	sql, args, err := b.Select(source.Render(b), columns, where)
	if err != nil {
		return nil, err
	}

	if len(opts.GroupBy) > 0 {
		if opts.GroupByIsLiteral {
			sql += " GROUP BY " + strings.Join(opts.GroupBy, ", ")
		} else {
			quoted := make([]string, len(opts.GroupBy))
			for i, g := range opts.GroupBy {
				quoted[i] = b.Ident(g)
			}
			sql += " GROUP BY " + strings.Join(quoted, ", ")
		}
	}

	sql += b.OrderBy(opts.OrderBy)

	if opts.Limit != nil {
		sql += " LIMIT ?"
		args = append(args, *opts.Limit)
	}
	if opts.Offset != nil {
		sql += " OFFSET ?"
		args = append(args, *opts.Offset)
	}

	if opts.For != "" {
		if strings.EqualFold(opts.For, "update") {
			sql += " FOR UPDATE"
		} else {
			sql += " FOR " + opts.For
		}
	}

	return &Statement{SQL: sql, Args: args}, nil
}
