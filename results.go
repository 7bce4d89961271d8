package pgsession

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gopgsession/pgsession/internal/driver"
)

// jsonOIDs are the column type OIDs this layer will decode when a Results
// has been expand()-ed. 114 = json, 3802 = jsonb (the well-known, stable
// Postgres builtin OIDs).
var jsonOIDs = map[uint32]bool{114: true, 3802: true}

// Results wraps the statement handle produced by an executed statement and
// adapts it into the row-shaped views spec.md §4.4 describes. The
// statement handle it owns remains valid until the Results is dropped;
// only one Results per statement handle iterates at a time.
type Results struct {
	stmt   driver.StatementHandle
	expand bool
}

func newResults(stmt driver.StatementHandle) *Results {
	return &Results{stmt: stmt}
}

// Sth exposes the underlying statement handle for introspection or
// identity assertions.
func (r *Results) Sth() driver.StatementHandle { return r.stmt }

// Columns returns the ordered column names. Idempotent.
func (r *Results) Columns() []string {
	cols := r.stmt.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Rows returns the number of rows affected (INSERT/UPDATE/DELETE) or the
// row count for a SELECT when the driver reports one. Idempotent.
func (r *Results) Rows() int64 { return r.stmt.RowsAffected() }

// Expand returns the same Results with a flag set so JSON/JSONB columns are
// decoded on subsequent row reads. Applied per-row, not per-result.
func (r *Results) Expand() *Results {
	r.expand = true
	return r
}

// Array returns the next row as an ordered sequence of column values, or
// nil when exhausted.
func (r *Results) Array() []any {
	values, ok := r.stmt.Next()
	if !ok {
		return nil
	}
	return r.decorate(values)
}

// Hash returns the next row as a column-name-to-value mapping, or nil when
// exhausted.
func (r *Results) Hash() map[string]any {
	values, ok := r.stmt.Next()
	if !ok {
		return nil
	}
	values = r.decorate(values)
	cols := r.stmt.Columns()
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		if i < len(values) {
			out[c.Name] = values[i]
		}
	}
	return out
}

// Arrays materializes all remaining rows as array-of-arrays.
func (r *Results) Arrays() [][]any {
	var out [][]any
	for {
		row := r.Array()
		if row == nil {
			break
		}
		out = append(out, row)
	}
	return out
}

// Hashes materializes all remaining rows as array-of-hashes.
func (r *Results) Hashes() []map[string]any {
	var out []map[string]any
	for {
		row := r.Hash()
		if row == nil {
			break
		}
		out = append(out, row)
	}
	return out
}

// Text renders the remaining rows as a table: two-space column separation,
// one newline per row.
func (r *Results) Text() string {
	var b strings.Builder
	for _, row := range r.Arrays() {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = toDisplayString(v)
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *Results) decorate(values []any) []any {
	if !r.expand {
		return values
	}
	cols := r.stmt.Columns()
	out := make([]any, len(values))
	copy(out, values)
	for i, c := range cols {
		if i >= len(out) {
			break
		}
		if !jsonOIDs[c.OID] {
			continue
		}
		s, ok := out[i].(string)
		if !ok || s == "" {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			out[i] = decoded
		}
	}
	return out
}

func toDisplayString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
