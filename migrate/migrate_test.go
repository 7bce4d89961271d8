package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gopgsession/pgsession"
	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/internal/driver/drivermock"
)

type noopWatcher struct{}

func (noopWatcher) Watch(int, func()) error { return nil }
func (noopWatcher) Remove(int) error        { return nil }
func (noopWatcher) Close() error            { return nil }

func newTestSession(t *testing.T, conn *drivermock.Conn) *pgsession.Session {
	t.Helper()
	mgr, err := pgsession.New("postgresql://test/test",
		pgsession.WithDialer(drivermock.NewDialer(conn)),
		pgsession.WithWatcher(noopWatcher{}),
	)
	require.NoError(t, err)
	session, err := mgr.Session(context.Background())
	require.NoError(t, err)
	return session
}

func TestRunner_AppliesPendingMigrationsInOrder(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1).
		ExpectExec(createTrackingTable, &drivermock.StatementHandle{}, nil).
		ExpectExec("SELECT version FROM schema_migrations", &drivermock.StatementHandle{}, nil).
		ExpectExec("CREATE TABLE a (id int)", &drivermock.StatementHandle{}, nil).
		ExpectExec("INSERT INTO schema_migrations (version, name, correlation_id) VALUES ($1, $2, $3)", &drivermock.StatementHandle{}, nil).
		ExpectExec("CREATE TABLE b (id int)", &drivermock.StatementHandle{}, nil).
		ExpectExec("INSERT INTO schema_migrations (version, name, correlation_id) VALUES ($1, $2, $3)", &drivermock.StatementHandle{}, nil)

	session := newTestSession(t, conn)
	runner := NewRunner(zap.NewNop(),
		Migration{Version: 2, Name: "b", SQL: "CREATE TABLE b (id int)"},
		Migration{Version: 1, Name: "a", SQL: "CREATE TABLE a (id int)"},
	)

	applied, err := runner.Run(ctx, session)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	require.Equal(t, int64(1), applied[0].Version)
	require.Equal(t, int64(2), applied[1].Version)
	require.Equal(t, applied[0].CorrelationID, applied[1].CorrelationID)
}

func TestRunner_SkipsAlreadyAppliedVersions(t *testing.T) {
	ctx := context.Background()
	versionRows := &drivermock.StatementHandle{
		ColumnsValue: []driver.ColumnInfo{{Name: "version"}},
		Rows:         [][]any{{int64(1)}},
	}
	conn := drivermock.NewConn(1).
		ExpectExec(createTrackingTable, &drivermock.StatementHandle{}, nil).
		ExpectExec("SELECT version FROM schema_migrations", versionRows, nil)

	session := newTestSession(t, conn)
	runner := NewRunner(zap.NewNop(), Migration{Version: 1, Name: "a", SQL: "CREATE TABLE a (id int)"})

	applied, err := runner.Run(ctx, session)
	require.NoError(t, err)
	require.Empty(t, applied)
}
