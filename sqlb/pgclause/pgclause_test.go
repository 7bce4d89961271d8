package pgclause

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopgsession/pgsession/sqlb"
)

func TestInsert_NoOnConflict(t *testing.T) {
	stmt, err := Insert(sqlb.Builder{}, "t", map[string]any{"a": "b"}, InsertOptions{})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO t (a) VALUES (?)`, stmt.SQL)
	require.Equal(t, []any{"b"}, stmt.Args)
}

func TestInsert_ConflictDoNothing(t *testing.T) {
	onConflict := ConflictDoNothing()
	stmt, err := Insert(sqlb.Builder{}, "t", map[string]any{"a": "b"}, InsertOptions{OnConflict: &onConflict})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO t (a) VALUES (?) ON CONFLICT DO NOTHING`, stmt.SQL)
}

func TestInsert_ConflictDoUpdate(t *testing.T) {
	onConflict := ConflictDoUpdate([]string{"a"}, map[string]any{"a": "c"})
	stmt, err := Insert(sqlb.Builder{}, "t", map[string]any{"a": "b"}, InsertOptions{OnConflict: &onConflict})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO t (a) VALUES (?) ON CONFLICT (a) DO UPDATE SET a = ?`, stmt.SQL)
	require.Equal(t, []any{"b", "c"}, stmt.Args)
}

func TestInsert_OnConflictWithoutReturningSuppressesReturning(t *testing.T) {
	onConflict := ConflictDoNothing()
	stmt, err := Insert(sqlb.Builder{}, "t", map[string]any{"a": "b"}, InsertOptions{OnConflict: &onConflict})
	require.NoError(t, err)
	require.NotContains(t, stmt.SQL, "RETURNING")
}

func TestInsert_OnConflictWithReturning(t *testing.T) {
	onConflict := ConflictDoNothing()
	stmt, err := Insert(sqlb.Builder{}, "t", map[string]any{"a": "b"},
		InsertOptions{OnConflict: &onConflict, Returning: []string{"id"}})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO t (a) VALUES (?) ON CONFLICT DO NOTHING RETURNING id`, stmt.SQL)
}

func TestInsert_QuoteEnabledQuotesIdentifiers(t *testing.T) {
	onConflict := ConflictDoUpdate([]string{"a"}, map[string]any{"a": "c"})
	stmt, err := Insert(sqlb.Builder{Quote: true}, "t", map[string]any{"a": "b"}, InsertOptions{OnConflict: &onConflict})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "t" ("a") VALUES (?) ON CONFLICT ("a") DO UPDATE SET "a" = ?`, stmt.SQL)
}

func TestSelect_JoinTuple(t *testing.T) {
	source := Source{Table: "orders", Joins: []Join{
		{Table: "customers", FK: "id", PK: "customer_id", Type: "left"},
	}}
	stmt, err := Select(sqlb.Builder{}, source, []string{"orders.id"}, nil, SelectOptions{})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT orders.id FROM orders LEFT JOIN customers ON (customers.id = orders.customer_id)`,
		stmt.SQL)
}

func TestSelect_GroupByOrderByLimitOffsetFor(t *testing.T) {
	limit, offset := 10, 20
	stmt, err := Select(sqlb.Builder{}, Source{Table: "t"}, nil, nil, SelectOptions{
		GroupBy: []string{"a"},
		OrderBy: []string{`a DESC`},
		Limit:   &limit,
		Offset:  &offset,
		For:     "update",
	})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT * FROM t GROUP BY a ORDER BY a DESC LIMIT ? OFFSET ? FOR UPDATE`,
		stmt.SQL)
	require.Equal(t, []any{10, 20}, stmt.Args)
}

func TestSelect_ForLiteral(t *testing.T) {
	stmt, err := Select(sqlb.Builder{}, Source{Table: "t"}, nil, nil, SelectOptions{For: "SHARE"})
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM t FOR SHARE`, stmt.SQL)
}
