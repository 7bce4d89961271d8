package sqlb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_Insert(t *testing.T) {
	b := Builder{}
	sql, args, err := b.Insert("widgets", map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO widgets (a, b) VALUES (?, ?)`, sql)
	require.Equal(t, []any{"1", "2"}, args)
}

func TestBuilder_InsertRejectsEmptyFields(t *testing.T) {
	b := Builder{}
	_, _, err := b.Insert("widgets", nil)
	require.Error(t, err)
}

func TestBuilder_Update(t *testing.T) {
	b := Builder{}
	sql, args, err := b.Update("widgets", map[string]any{"name": "x"}, map[string]any{"id": 1})
	require.NoError(t, err)
	require.Equal(t, `UPDATE widgets SET name = ? WHERE id = ?`, sql)
	require.Equal(t, []any{"x", 1}, args)
}

func TestBuilder_DeleteWithoutWhereDeletesEverything(t *testing.T) {
	b := Builder{}
	sql, args, err := b.Delete("widgets", nil)
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM widgets`, sql)
	require.Empty(t, args)
}

func TestBuilder_SelectLowerCase(t *testing.T) {
	b := Builder{Lower: true}
	sql, args, err := b.Select("widgets", []string{"id", "name"}, map[string]any{"id": 7})
	require.NoError(t, err)
	require.Equal(t, `select id, name from widgets where id = ?`, sql)
	require.Equal(t, []any{7}, args)
}

func TestBuilder_SelectStar(t *testing.T) {
	b := Builder{}
	sql, _, err := b.Select("widgets", nil, nil)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM widgets`, sql)
}

func TestBuilder_QuoteEnabledQuotesIdentifiers(t *testing.T) {
	b := Builder{Quote: true}
	sql, _, err := b.Insert("widgets", map[string]any{"a": "1"})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "widgets" ("a") VALUES (?)`, sql)
}
