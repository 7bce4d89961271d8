// Package sqlb is the generic SQL-builder ancestor pgsession/sqlb/pgclause
// extends with Postgres-specific clauses (spec.md §4.6). It knows nothing
// about ON CONFLICT, RETURNING, or JOIN tuples — only plain INSERT/UPDATE/
// DELETE/SELECT shapes, quoted identifiers, and `?`-style placeholders, the
// same shape the teacher's Segment (driver/postgres/postgres.go) hands to
// pgx before Octobe's own argument binding takes over.
package sqlb

import (
	"fmt"
	"sort"
	"strings"
)

// Builder renders statements for one keyword-casing and identifier-quoting
// convention. The zero value renders upper-case keywords ("SELECT",
// "INSERT INTO", ...) and leaves identifiers unquoted, matching the host
// builder this extends (Mojo::Pg / SQL::Abstract both default to no
// identifier quoting). Set Lower for lower-case keywords, Quote to
// double-quote every identifier this Builder emits.
type Builder struct {
	Lower bool
	Quote bool
}

// Error reports a malformed input to a Builder method: an empty table name
// or source, an empty field or set map, and similar caller mistakes — raised
// synchronously, before any SQL reaches a connection (spec.md §4.6,
// BuilderError).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("sqlb: %s: %s", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(op string, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

func (b Builder) kw(word string) string {
	if b.Lower {
		return strings.ToLower(word)
	}
	return strings.ToUpper(word)
}

// QuoteIdent double-quotes an identifier, doubling any embedded quote.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Ident renders name as an identifier under this Builder's quoting
// convention: quoted when Quote is set, unchanged otherwise.
func (b Builder) Ident(name string) string {
	if b.Quote {
		return QuoteIdent(name)
	}
	return name
}

// sortedKeys returns m's keys in a stable order so generated SQL (and its
// matching argument slice) is deterministic across calls.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert renders `INSERT INTO table (cols...) VALUES (?, ?, ...)`. Column
// order is sorted for determinism; pgclause.Insert wraps this to add
// ON CONFLICT and RETURNING.
func (b Builder) Insert(table string, fields map[string]any) (sql string, args []any, err error) {
	if table == "" {
		return "", nil, newError("insert", "table name is empty")
	}
	if len(fields) == 0 {
		return "", nil, newError("insert", "no fields given for table %q", table)
	}

	keys := sortedKeys(fields)
	cols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, k := range keys {
		cols[i] = b.Ident(k)
		placeholders[i] = "?"
		args[i] = fields[k]
	}

	sql = fmt.Sprintf("%s %s (%s) %s (%s)",
		b.kw("insert into"), b.Ident(table),
		strings.Join(cols, ", "),
		b.kw("values"), strings.Join(placeholders, ", "))
	return sql, args, nil
}

// SetClause renders `SET col = ?, ...` (sorted key order) with its matching
// argument slice. Exposed so pgclause's ON CONFLICT DO UPDATE can reuse the
// same sorted-quoted-placeholder logic without going through Update's
// table-name validation.
func (b Builder) SetClause(set map[string]any) (sql string, args []any) {
	keys := sortedKeys(set)
	parts := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = ?", b.Ident(k))
		args[i] = set[k]
	}
	return fmt.Sprintf("%s %s", b.kw("set"), strings.Join(parts, ", ")), args
}

// Update renders `UPDATE table SET col = ?, ... WHERE col = ? AND ...`.
func (b Builder) Update(table string, set, where map[string]any) (sql string, args []any, err error) {
	if table == "" {
		return "", nil, newError("update", "table name is empty")
	}
	if len(set) == 0 {
		return "", nil, newError("update", "no fields to set for table %q", table)
	}

	setSQL, args := b.SetClause(set)

	var b2 strings.Builder
	fmt.Fprintf(&b2, "%s %s %s", b.kw("update"), b.Ident(table), setSQL)

	whereSQL, whereArgs := b.whereClause(where)
	b2.WriteString(whereSQL)
	args = append(args, whereArgs...)

	return b2.String(), args, nil
}

// Delete renders `DELETE FROM table WHERE col = ? AND ...`. An empty where
// deletes every row — callers opt into that explicitly by passing nil.
func (b Builder) Delete(table string, where map[string]any) (sql string, args []any, err error) {
	if table == "" {
		return "", nil, newError("delete", "table name is empty")
	}

	var b2 strings.Builder
	fmt.Fprintf(&b2, "%s %s %s %s", b.kw("delete"), b.kw("from"), b.Ident(table), "")
	sql = strings.TrimRight(b2.String(), " ")

	whereSQL, args := b.whereClause(where)
	sql += whereSQL
	return sql, args, nil
}

// Select renders `SELECT cols FROM source WHERE col = ? AND ...`. An empty
// columns list renders `SELECT *`. pgclause.Select wraps this to add JOIN
// tuples, GROUP BY, ORDER BY, LIMIT/OFFSET, and FOR.
func (b Builder) Select(source string, columns []string, where map[string]any) (sql string, args []any, err error) {
	if source == "" {
		return "", nil, newError("select", "source is empty")
	}

	colSQL := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = b.Ident(c)
		}
		colSQL = strings.Join(quoted, ", ")
	}

	sql = fmt.Sprintf("%s %s %s %s", b.kw("select"), colSQL, b.kw("from"), source)

	whereSQL, args := b.whereClause(where)
	sql += whereSQL
	return sql, args, nil
}

// whereClause renders ` WHERE col = ? AND ...` (sorted key order), or the
// empty string when where is empty.
func (b Builder) whereClause(where map[string]any) (sql string, args []any) {
	if len(where) == 0 {
		return "", nil
	}
	keys := sortedKeys(where)
	parts := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = ?", b.Ident(k))
		args[i] = where[k]
	}
	return fmt.Sprintf(" %s %s", b.kw("where"), strings.Join(parts, fmt.Sprintf(" %s ", b.kw("and")))), args
}

// OrderBy renders ` ORDER BY col1, col2 DESC...`-style clauses from already
// formed fragments (e.g. `"col1"`, `"col2" DESC`); pgclause builds the
// individual fragments and hands them here.
func (b Builder) OrderBy(fragments []string) string {
	if len(fragments) == 0 {
		return ""
	}
	return fmt.Sprintf(" %s %s", b.kw("order by"), strings.Join(fragments, ", "))
}
